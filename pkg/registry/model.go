/*
 * Copyright (C) 2025-2025, Advanced Micro Devices, Inc. All rights reserved.
 * See LICENSE for license information.
 */

package registry

import (
	"fmt"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/schema"

	"github.com/AMD-AIG-AIMA/podex/pkg/config"
	jsonutils "github.com/AMD-AIG-AIMA/podex/pkg/utils/json"

	"github.com/AMD-AIG-AIMA/podex/pkg/types"
)

// serverModel is the persisted row behind a ServerRecord. Structured fields
// are stored as JSON blobs so the schema survives topology additions.
type serverModel struct {
	Id             string `gorm:"primaryKey;column:id"`
	Hostname       string `gorm:"column:hostname;uniqueIndex"`
	Address        string `gorm:"column:address"`
	ManagementPort int    `gorm:"column:management_port"`
	Status         string `gorm:"column:status"`
	Capacity       string `gorm:"column:capacity"`
	Reserved       string `gorm:"column:reserved"`
	Topology       string `gorm:"column:topology"`
	Images         string `gorm:"column:images"`
	MaxWorkspaces  int    `gorm:"column:max_workspaces"`
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

func (serverModel) TableName() string {
	return "server"
}

func cvtToModel(record *types.ServerRecord) *serverModel {
	return &serverModel{
		Id:             record.Id,
		Hostname:       record.Hostname,
		Address:        record.Address,
		ManagementPort: record.ManagementPort,
		Status:         string(record.Status),
		Capacity:       string(jsonutils.MarshalSilently(record.Capacity)),
		Reserved:       string(jsonutils.MarshalSilently(record.Reserved)),
		Topology:       string(jsonutils.MarshalSilently(record.Topology)),
		Images:         string(jsonutils.MarshalSilently(record.ImageByVariant)),
		MaxWorkspaces:  record.MaxWorkspaces,
		CreatedAt:      record.CreatedAt,
		UpdatedAt:      record.UpdatedAt,
	}
}

func cvtFromModel(model *serverModel) (*types.ServerRecord, error) {
	record := &types.ServerRecord{
		Id:             model.Id,
		Hostname:       model.Hostname,
		Address:        model.Address,
		ManagementPort: model.ManagementPort,
		Status:         types.ServerStatus(model.Status),
		MaxWorkspaces:  model.MaxWorkspaces,
		CreatedAt:      model.CreatedAt,
		UpdatedAt:      model.UpdatedAt,
	}
	fields := []struct {
		raw    string
		target interface{}
	}{
		{model.Capacity, &record.Capacity},
		{model.Reserved, &record.Reserved},
		{model.Topology, &record.Topology},
		{model.Images, &record.ImageByVariant},
	}
	for _, field := range fields {
		if field.raw == "" {
			continue
		}
		if err := jsonutils.UnmarshalWithCheck([]byte(field.raw), field.target); err != nil {
			return nil, err
		}
	}
	return record, nil
}

// ConnectGorm opens the fleet database using the configured postgres DSN.
func ConnectGorm() (*gorm.DB, error) {
	dsn := fmt.Sprintf("host=%s port=%v user=%s dbname=%s password=%s sslmode=%s",
		config.GetDBHost(), config.GetDBPort(), config.GetDBUser(),
		config.GetDBName(), config.GetDBPassword(), config.GetDBSSLMode())
	gormDB, err := gorm.Open(postgres.Dialector{Config: &postgres.Config{DSN: dsn}}, &gorm.Config{
		NamingStrategy: schema.NamingStrategy{
			SingularTable: true,
		},
	})
	if err != nil {
		return nil, err
	}
	if err = gormDB.AutoMigrate(&serverModel{}); err != nil {
		return nil, err
	}
	return gormDB, nil
}
