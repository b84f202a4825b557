package devices

import (
	"context"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/acceltune/platform/pkg/common/apperr"
	"github.com/acceltune/platform/pkg/common/logger"
	"github.com/acceltune/platform/pkg/common/models"
	"github.com/google/uuid"
)

type Service struct {
	store Store
}

func NewService(store Store) *Service {
	return &Service{store: store}
}

// ValidateAddress checks that addr is a host:port pair. It does not dial.
func ValidateAddress(addr string) error {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return &apperr.Error{Kind: apperr.KindValidation, Loc: []string{"body", "network_address"}, Msg: "network_address must be host:port", Input: addr}
	}
	if strings.TrimSpace(host) == "" {
		return &apperr.Error{Kind: apperr.KindValidation, Loc: []string{"body", "network_address"}, Msg: "network_address has an empty host", Input: addr}
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 1 || n > 65535 {
		return &apperr.Error{Kind: apperr.KindValidation, Loc: []string{"body", "network_address"}, Msg: "port must be between 1 and 65535", Input: addr}
	}
	return nil
}

func (s *Service) Register(ctx context.Context, req models.RegisterDeviceRequest) (models.DeviceRegistration, error) {
	req.DisplayName = strings.TrimSpace(req.DisplayName)
	req.NetworkAddress = strings.TrimSpace(req.NetworkAddress)
	if req.DisplayName == "" {
		return models.DeviceRegistration{}, &apperr.Error{Kind: apperr.KindValidation, Loc: []string{"body", "display_name"}, Msg: "display_name is required", Input: req.DisplayName}
	}
	if err := ValidateAddress(req.NetworkAddress); err != nil {
		return models.DeviceRegistration{}, err
	}

	ts := time.Now().UTC()
	reg := models.DeviceRegistration{
		ID:             uuid.New().String(),
		DisplayName:    req.DisplayName,
		NetworkAddress: req.NetworkAddress,
		Labels:         req.Labels,
		CreatedAt:      ts,
		ModifiedAt:     ts,
	}
	if err := s.store.Create(ctx, reg); err != nil {
		return models.DeviceRegistration{}, err
	}
	logger.Log.WithFields(map[string]interface{}{
		"device_id": reg.ID,
		"address":   reg.NetworkAddress,
	}).Info("device registered")
	return reg, nil
}

func (s *Service) Get(ctx context.Context, id string) (models.DeviceRegistration, error) {
	if _, err := uuid.Parse(id); err != nil {
		return models.DeviceRegistration{}, apperr.Newf(apperr.KindNotFound, "device %s not found", id)
	}
	return s.store.Get(ctx, id)
}

func (s *Service) List(ctx context.Context, limit int) ([]models.DeviceRegistration, error) {
	return s.store.List(ctx, limit)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	if _, err := uuid.Parse(id); err != nil {
		return apperr.Newf(apperr.KindNotFound, "device %s not found", id)
	}
	return s.store.Delete(ctx, id)
}
