package main

import "testing"

func TestBootstrapAccountConstants(t *testing.T) {
	if bootstrapTenant == "" {
		t.Fatal("bootstrapTenant must not be empty")
	}
	if bootstrapName == "" {
		t.Fatal("bootstrapName must not be empty")
	}
}
