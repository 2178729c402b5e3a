package registry

import (
	"errors"
	"strings"
	"testing"

	"github.com/mslnz/msl-network-go/internal/envelope"
)

type nopWriter struct{}

func (nopWriter) WriteEnvelope(*envelope.Envelope) error { return nil }

func TestLinkSaturationAndRecovery(t *testing.T) {
	r := New()
	if err := r.AddService(&ServiceRecord{Name: "Echo", MaxClients: 1, Writer: nopWriter{}}); err != nil {
		t.Fatalf("AddService: %v", err)
	}

	if _, err := r.Link("Echo", "client1:1"); err != nil {
		t.Fatalf("first link should succeed: %v", err)
	}

	_, err := r.Link("Echo", "client2:1")
	if !errors.Is(err, ErrLinkSaturated) {
		t.Fatalf("expected ErrLinkSaturated, got %v", err)
	}
	if !strings.Contains(err.Error(), "The maximum number of Clients are already linked") {
		t.Fatalf("error message missing required substring: %v", err)
	}

	r.Unlink("Echo", "client1:1")

	if _, err := r.Link("Echo", "client2:1"); err != nil {
		t.Fatalf("link should succeed after unlink: %v", err)
	}
}

func TestRelinkIsIdempotent(t *testing.T) {
	r := New()
	r.AddService(&ServiceRecord{Name: "Echo", MaxClients: 1, Writer: nopWriter{}})

	if _, err := r.Link("Echo", "client1:1"); err != nil {
		t.Fatalf("link: %v", err)
	}
	if _, err := r.Link("Echo", "client1:1"); err != nil {
		t.Fatalf("re-link should succeed: %v", err)
	}

	svc, _ := r.Service("Echo")
	if len(svc.Links()) != 1 {
		t.Fatalf("re-link should not grow the link set, got %d", len(svc.Links()))
	}
}

func TestServiceNotFound(t *testing.T) {
	r := New()
	if _, err := r.Link("Ghost", "client1:1"); !errors.Is(err, ErrServiceNotFound) {
		t.Fatalf("expected ErrServiceNotFound, got %v", err)
	}
}

func TestDuplicateServiceName(t *testing.T) {
	r := New()
	if err := r.AddService(&ServiceRecord{Name: "Echo", Writer: nopWriter{}}); err != nil {
		t.Fatalf("AddService: %v", err)
	}
	err := r.AddService(&ServiceRecord{Name: "Echo", Writer: nopWriter{}})
	if !errors.Is(err, ErrDuplicateService) {
		t.Fatalf("expected ErrDuplicateService, got %v", err)
	}
}

func TestRemoveClientPrunesLinkSets(t *testing.T) {
	r := New()
	r.AddService(&ServiceRecord{Name: "Echo", Writer: nopWriter{}})
	r.Link("Echo", "client1:1")
	r.RemoveClient("client1:1")

	svc, _ := r.Service("Echo")
	if len(svc.Links()) != 0 {
		t.Fatalf("expected link set to be pruned, got %v", svc.Links())
	}
}

func TestRemoveServiceReturnsFinalLinkSet(t *testing.T) {
	r := New()
	r.AddService(&ServiceRecord{Name: "Hb", MaxClients: 10, Writer: nopWriter{}})
	r.Link("Hb", "c1:1")
	r.Link("Hb", "c2:1")

	rec, ok := r.RemoveService("Hb")
	if !ok {
		t.Fatalf("expected service to be found")
	}
	if len(rec.Links()) != 2 {
		t.Fatalf("expected 2 linked clients in final snapshot, got %d", len(rec.Links()))
	}
	if _, ok := r.Service("Hb"); ok {
		t.Fatalf("service should no longer be registered")
	}
}
