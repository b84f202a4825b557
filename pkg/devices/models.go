package devices

import (
	"time"

	"github.com/acceltune/platform/pkg/common/models"
	"gorm.io/datatypes"
)

type DeviceModel struct {
	ID             string            `gorm:"type:uuid;primaryKey;column:id"`
	DisplayName    string            `gorm:"column:display_name"`
	NetworkAddress string            `gorm:"column:network_address;uniqueIndex"`
	Labels         datatypes.JSONMap `gorm:"column:labels"`
	CreatedAt      time.Time         `gorm:"column:created_at"`
	ModifiedAt     time.Time         `gorm:"column:modified_at"`
}

func (DeviceModel) TableName() string {
	return "edge_devices"
}

func (m DeviceModel) toRegistration() models.DeviceRegistration {
	reg := models.DeviceRegistration{
		ID:             m.ID,
		DisplayName:    m.DisplayName,
		NetworkAddress: m.NetworkAddress,
		CreatedAt:      m.CreatedAt,
		ModifiedAt:     m.ModifiedAt,
	}
	if len(m.Labels) > 0 {
		reg.Labels = make(map[string]string, len(m.Labels))
		for k, v := range m.Labels {
			if s, ok := v.(string); ok {
				reg.Labels[k] = s
			}
		}
	}
	return reg
}

func fromRegistration(reg models.DeviceRegistration) DeviceModel {
	labels := datatypes.JSONMap{}
	for k, v := range reg.Labels {
		labels[k] = v
	}
	return DeviceModel{
		ID:             reg.ID,
		DisplayName:    reg.DisplayName,
		NetworkAddress: reg.NetworkAddress,
		Labels:         labels,
		CreatedAt:      reg.CreatedAt,
		ModifiedAt:     reg.ModifiedAt,
	}
}
