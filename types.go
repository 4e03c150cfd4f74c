package main

import (
	"log/slog"
	"net/http"
	"time"

	"gorm.io/gorm"
)

type config struct {
	HTTPListen           string
	DNSListen            string
	DBPath               string
	APIKey               string
	CloudflareToken      string
	CloudflareZoneID     string
	CloudflareAPIBase    string
	DefaultSuffix        string
	ReservedPrefix       string
	SRVService           string
	SRVProtocol          string
	DefaultEndpointIndex int
	FixedEndpoints       []string
	ProviderTimeout      time.Duration
	RecordTTL            uint32
	LogLevel             string
	LogFormat            string
	ProviderHTTPClient   *http.Client
}

// noPoolIndex marks a row whose target was not taken from the endpoint pool.
const noPoolIndex = -1

// domainRecord is one managed public name.
type domainRecord struct {
	ID                  string         `json:"id"`
	ServerID            string         `json:"serverId"`
	ThirdLevelDomain    string         `json:"thirdLevelDomain,omitempty"`
	CustomDomain        string         `json:"customDomain,omitempty"`
	Domain              string         `json:"domain"`
	TargetIP            string         `json:"targetIp"`
	TargetPort          int            `json:"targetPort"`
	IPPortIndex         int            `json:"ipPortIndex"`
	ProviderARecordID   string         `json:"providerARecordId,omitempty"`
	ProviderSRVRecordID string         `json:"providerSrvRecordId,omitempty"`
	OtherData           map[string]any `json:"otherData,omitempty"`
}

func (d domainRecord) isCustom() bool {
	return d.CustomDomain != ""
}

type endpointPoolEntry struct {
	Index int    `json:"id"`
	IP    string `json:"ip"`
	Port  int    `json:"port"`
}

type createDomainRequest struct {
	ServerID         string         `json:"serverId"`
	ThirdLevelDomain string         `json:"thirdLevelDomain,omitempty"`
	CustomDomain     string         `json:"customDomain,omitempty"`
	TargetIP         string         `json:"targetIp,omitempty"`
	TargetPort       int            `json:"targetPort,omitempty"`
	IPPortIndex      *int           `json:"ipPortIndex,omitempty"`
	ServerPort       int            `json:"serverPort,omitempty"`
	OtherData        map[string]any `json:"otherData,omitempty"`
}

type updateDomainRequest struct {
	ThirdLevelDomain *string        `json:"thirdLevelDomain,omitempty"`
	OtherData        map[string]any `json:"otherData,omitempty"`
	IPPortIndex      *int           `json:"ipPortIndex,omitempty"`
	ServerPort       int            `json:"serverPort,omitempty"`
}

type domainModel struct {
	ID                  string  `gorm:"column:id;primaryKey;size:36"`
	ServerID            string  `gorm:"column:serverId;size:36;not null;index"`
	ThirdLevelDomain    string  `gorm:"column:thirdLevelDomain;size:63;not null"`
	TargetIP            string  `gorm:"column:targetIp;size:45;not null"`
	TargetPort          int     `gorm:"column:targetPort;not null"`
	ProviderARecordID   *string `gorm:"column:providerARecordId;size:64"`
	ProviderSRVRecordID *string `gorm:"column:providerSrvRecordId;size:64"`
	OtherData           string  `gorm:"column:otherData;type:text"`
	CustomDomain        *string `gorm:"column:customDomain;size:255"`
	IPPortIndex         int     `gorm:"column:ipPortIndex;not null"`
}

type fixedEndpointModel struct {
	ID   int    `gorm:"column:id;primaryKey;autoIncrement:false"`
	IP   string `gorm:"column:ip;size:45;not null"`
	Port int    `gorm:"column:port;not null"`
}

func (domainModel) TableName() string {
	return "domains"
}

func (fixedEndpointModel) TableName() string {
	return "fixed_endpoints"
}

type persistence struct {
	db *gorm.DB
}

type server struct {
	cfg    config
	engine *engine
	log    *slog.Logger
	start  time.Time
}
