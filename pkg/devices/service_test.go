package devices

import (
	"context"
	"sync"
	"testing"

	"github.com/acceltune/platform/pkg/common/apperr"
	"github.com/acceltune/platform/pkg/common/models"
)

type memStore struct {
	mu   sync.Mutex
	byID map[string]models.DeviceRegistration
}

func newMemStore() *memStore {
	return &memStore{byID: map[string]models.DeviceRegistration{}}
}

func (m *memStore) Create(ctx context.Context, reg models.DeviceRegistration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, existing := range m.byID {
		if existing.NetworkAddress == reg.NetworkAddress {
			return apperr.Newf(apperr.KindConflict, "a device with address %s is already registered", reg.NetworkAddress)
		}
	}
	m.byID[reg.ID] = reg
	return nil
}

func (m *memStore) Get(ctx context.Context, id string) (models.DeviceRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.byID[id]
	if !ok {
		return models.DeviceRegistration{}, apperr.Newf(apperr.KindNotFound, "device %s not found", id)
	}
	return reg, nil
}

func (m *memStore) List(ctx context.Context, limit int) ([]models.DeviceRegistration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]models.DeviceRegistration, 0, len(m.byID))
	for _, reg := range m.byID {
		out = append(out, reg)
	}
	return out, nil
}

func (m *memStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.byID[id]; !ok {
		return apperr.Newf(apperr.KindNotFound, "device %s not found", id)
	}
	delete(m.byID, id)
	return nil
}

func TestValidateAddress(t *testing.T) {
	valid := []string{"10.0.0.5:8080", "edge-01.local:443", "[::1]:9000"}
	for _, addr := range valid {
		if err := ValidateAddress(addr); err != nil {
			t.Fatalf("%s: unexpected error %v", addr, err)
		}
	}
	invalid := []string{"", "10.0.0.5", ":8080", "host:0", "host:70000", "host:http", "http://host:80"}
	for _, addr := range invalid {
		if err := ValidateAddress(addr); !apperr.Is(err, apperr.KindValidation) {
			t.Fatalf("%s: expected validation error, got %v", addr, err)
		}
	}
}

func TestRegisterGetDelete(t *testing.T) {
	svc := NewService(newMemStore())
	ctx := context.Background()

	reg, err := svc.Register(ctx, models.RegisterDeviceRequest{
		DisplayName:    " Jetson 1 ",
		NetworkAddress: "10.0.0.5:8080",
		Labels:         map[string]string{"arch": "arm64"},
	})
	if err != nil {
		t.Fatalf("register: %v", err)
	}
	if reg.ID == "" || reg.DisplayName != "Jetson 1" {
		t.Fatalf("unexpected registration %+v", reg)
	}

	got, err := svc.Get(ctx, reg.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.NetworkAddress != "10.0.0.5:8080" || got.Labels["arch"] != "arm64" {
		t.Fatalf("unexpected device %+v", got)
	}

	if _, err := svc.Register(ctx, models.RegisterDeviceRequest{DisplayName: "dup", NetworkAddress: "10.0.0.5:8080"}); !apperr.Is(err, apperr.KindConflict) {
		t.Fatalf("expected conflict, got %v", err)
	}

	if err := svc.Delete(ctx, reg.ID); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := svc.Get(ctx, reg.ID); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestRegisterRejectsBeforeStoring(t *testing.T) {
	store := newMemStore()
	svc := NewService(store)
	if _, err := svc.Register(context.Background(), models.RegisterDeviceRequest{DisplayName: "x", NetworkAddress: "nope"}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := svc.Register(context.Background(), models.RegisterDeviceRequest{NetworkAddress: "h:1"}); !apperr.Is(err, apperr.KindValidation) {
		t.Fatalf("expected validation error for missing name, got %v", err)
	}
	if len(store.byID) != 0 {
		t.Fatalf("invalid device was stored")
	}
}

func TestGetMalformedIDIsNotFound(t *testing.T) {
	svc := NewService(newMemStore())
	if _, err := svc.Get(context.Background(), "not-a-uuid"); !apperr.Is(err, apperr.KindNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
