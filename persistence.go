package main

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/glebarez/sqlite"
	"github.com/pressly/goose/v3"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

func newPersistence(dbPath string) (*persistence, error) {
	if dir := filepath.Dir(dbPath); dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create db dir: %w", err)
		}
	}

	db, err := gorm.Open(sqlite.Open(dbPath), &gorm.Config{
		TranslateError: true,
		Logger:         logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("open sql db: %w", err)
	}
	// sqlite allows one writer; serialise through a single connection.
	sqlDB.SetMaxOpenConns(1)

	if err := runMigrations(sqlDB); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &persistence{db: db}, nil
}

func runMigrations(db *sql.DB) error {
	goose.SetLogger(goose.NopLogger())
	goose.SetBaseFS(migrationsFS)
	if err := goose.SetDialect("sqlite3"); err != nil {
		return err
	}
	if err := goose.Up(db, "migrations"); err != nil {
		return err
	}
	return nil
}

func (p *persistence) close() error {
	sqlDB, err := p.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (p *persistence) listDomains(ctx context.Context) ([]domainRecord, error) {
	var models []domainModel
	if err := p.db.WithContext(ctx).Order("thirdLevelDomain, customDomain, id").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list domains: %w", err)
	}
	return modelsToDomains(models)
}

func (p *persistence) listDomainsByServer(ctx context.Context, serverID string) ([]domainRecord, error) {
	var models []domainModel
	if err := p.db.WithContext(ctx).Where("serverId = ?", serverID).Order("thirdLevelDomain, customDomain, id").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("list domains by server: %w", err)
	}
	return modelsToDomains(models)
}

func (p *persistence) getDomain(ctx context.Context, id string) (domainRecord, error) {
	var m domainModel
	err := p.db.WithContext(ctx).First(&m, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return domainRecord{}, &opError{Kind: kindNotFound, Op: "getDomain", Name: id}
	}
	if err != nil {
		return domainRecord{}, fmt.Errorf("lookup domain: %w", err)
	}
	return modelToDomain(m)
}

// findByLabel returns the non-custom row owning label, or nil.
func (p *persistence) findByLabel(ctx context.Context, label string) (*domainRecord, error) {
	var m domainModel
	err := p.db.WithContext(ctx).Where("thirdLevelDomain = ? AND customDomain IS NULL", label).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup domain by label: %w", err)
	}
	d, err := modelToDomain(m)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (p *persistence) findByCustomDomain(ctx context.Context, name string) (*domainRecord, error) {
	var m domainModel
	err := p.db.WithContext(ctx).Where("customDomain = ?", name).First(&m).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("lookup custom domain: %w", err)
	}
	d, err := modelToDomain(m)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func (p *persistence) insertDomain(ctx context.Context, d domainRecord) error {
	m, err := domainToModel(d)
	if err != nil {
		return err
	}
	err = p.db.WithContext(ctx).Create(&m).Error
	if isUniqueViolation(err) {
		return &opError{Kind: kindAlreadyExists, Op: "insertDomain", Name: d.ThirdLevelDomain + d.CustomDomain}
	}
	if err != nil {
		return fmt.Errorf("insert domain: %w", err)
	}
	return nil
}

func (p *persistence) updateDomain(ctx context.Context, d domainRecord) error {
	m, err := domainToModel(d)
	if err != nil {
		return err
	}
	res := p.db.WithContext(ctx).Model(&m).Select("*").Omit("id").Updates(&m)
	if isUniqueViolation(res.Error) {
		return &opError{Kind: kindAlreadyExists, Op: "updateDomain", Name: d.ThirdLevelDomain}
	}
	if res.Error != nil {
		return fmt.Errorf("update domain: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &opError{Kind: kindNotFound, Op: "updateDomain", Name: d.ID}
	}
	return nil
}

// setProviderState overwrites the fields the provider is authoritative for.
func (p *persistence) setProviderState(ctx context.Context, id, targetIP string, aID, srvID *string) error {
	res := p.db.WithContext(ctx).Model(&domainModel{}).Where("id = ? AND customDomain IS NULL", id).Updates(map[string]any{
		"targetIp":            targetIP,
		"providerARecordId":   aID,
		"providerSrvRecordId": srvID,
	})
	if res.Error != nil {
		return fmt.Errorf("update provider state: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return &opError{Kind: kindNotFound, Op: "setProviderState", Name: id}
	}
	return nil
}

func (p *persistence) deleteDomain(ctx context.Context, id string) (bool, error) {
	res := p.db.WithContext(ctx).Delete(&domainModel{}, "id = ?", id)
	if res.Error != nil {
		return false, fmt.Errorf("delete domain: %w", res.Error)
	}
	return res.RowsAffected > 0, nil
}

func (p *persistence) loadFixedEndpoints(ctx context.Context) ([]endpointPoolEntry, error) {
	var models []fixedEndpointModel
	if err := p.db.WithContext(ctx).Order("id").Find(&models).Error; err != nil {
		return nil, fmt.Errorf("load fixed endpoints: %w", err)
	}
	out := make([]endpointPoolEntry, 0, len(models))
	for _, m := range models {
		out = append(out, endpointPoolEntry{Index: m.ID, IP: m.IP, Port: m.Port})
	}
	return out, nil
}

// seedFixedEndpoints fills an empty fixed_endpoints table. A populated table
// is left alone and 0 is returned.
func (p *persistence) seedFixedEndpoints(ctx context.Context, entries []endpointPoolEntry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	seeded := 0
	err := p.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&fixedEndpointModel{}).Count(&count).Error; err != nil {
			return fmt.Errorf("count fixed endpoints: %w", err)
		}
		if count > 0 {
			return nil
		}
		models := make([]fixedEndpointModel, 0, len(entries))
		for _, e := range entries {
			models = append(models, fixedEndpointModel{ID: e.Index, IP: e.IP, Port: e.Port})
		}
		if err := tx.Create(&models).Error; err != nil {
			return fmt.Errorf("insert fixed endpoints: %w", err)
		}
		seeded = len(models)
		return nil
	})
	return seeded, err
}

func modelsToDomains(models []domainModel) ([]domainRecord, error) {
	out := make([]domainRecord, 0, len(models))
	for _, m := range models {
		d, err := modelToDomain(m)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, nil
}

func modelToDomain(m domainModel) (domainRecord, error) {
	other, err := unmarshalOtherData(m.OtherData)
	if err != nil {
		return domainRecord{}, fmt.Errorf("decode otherData of %s: %w", m.ID, err)
	}
	return domainRecord{
		ID:                  m.ID,
		ServerID:            m.ServerID,
		ThirdLevelDomain:    m.ThirdLevelDomain,
		CustomDomain:        deref(m.CustomDomain),
		TargetIP:            m.TargetIP,
		TargetPort:          m.TargetPort,
		IPPortIndex:         m.IPPortIndex,
		ProviderARecordID:   deref(m.ProviderARecordID),
		ProviderSRVRecordID: deref(m.ProviderSRVRecordID),
		OtherData:           other,
	}, nil
}

func domainToModel(d domainRecord) (domainModel, error) {
	other, err := marshalOtherData(d.OtherData)
	if err != nil {
		return domainModel{}, err
	}
	return domainModel{
		ID:                  d.ID,
		ServerID:            d.ServerID,
		ThirdLevelDomain:    d.ThirdLevelDomain,
		TargetIP:            d.TargetIP,
		TargetPort:          d.TargetPort,
		ProviderARecordID:   nullable(d.ProviderARecordID),
		ProviderSRVRecordID: nullable(d.ProviderSRVRecordID),
		OtherData:           other,
		CustomDomain:        nullable(d.CustomDomain),
		IPPortIndex:         d.IPPortIndex,
	}, nil
}

func marshalOtherData(v map[string]any) (string, error) {
	if len(v) == 0 {
		return "", nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return "", fmt.Errorf("encode otherData: %w", err)
	}
	return string(b), nil
}

func unmarshalOtherData(v string) (map[string]any, error) {
	if strings.TrimSpace(v) == "" {
		return nil, nil
	}
	out := map[string]any{}
	if err := json.Unmarshal([]byte(v), &out); err != nil {
		return nil, err
	}
	return out, nil
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, gorm.ErrDuplicatedKey) || strings.Contains(err.Error(), "UNIQUE constraint failed")
}

func nullable(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func deref(v *string) string {
	if v == nil {
		return ""
	}
	return *v
}
