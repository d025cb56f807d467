package auth

import (
	"context"
	"testing"
)

func TestNoopRevocationSetNeverRevokes(t *testing.T) {
	var rs RevocationSet = NoopRevocationSet{}
	revoked, err := rs.IsRevoked(context.Background(), "any-subject")
	if err != nil {
		t.Fatal(err)
	}
	if revoked {
		t.Fatal("expected NoopRevocationSet to never report a subject as revoked")
	}
}
