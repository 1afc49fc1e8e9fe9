package bling

import (
	"errors"
	"time"
)

const (
	// ProductionAPIURL is the Bling v3 REST base URL
	ProductionAPIURL = "https://api.bling.com.br/Api/v3"
	// ProductionTokenURL is the OAuth2 token endpoint
	ProductionTokenURL = ProductionAPIURL + "/oauth/token"
	// ProductionAuthorizeURL is the OAuth2 consent page
	ProductionAuthorizeURL = ProductionAPIURL + "/oauth/authorize"

	// MaxPageSize is the largest page the listing endpoints accept
	MaxPageSize = 100

	// maxResponseSize caps every response body read (10MB)
	maxResponseSize = 10 * 1024 * 1024
)

// Errors for Bling configuration
var (
	ErrConfigMissingClientID     = errors.New("bling: client id is required")
	ErrConfigMissingClientSecret = errors.New("bling: client secret is required")
	ErrConfigInvalidPageSize     = errors.New("bling: page size must be between 1 and 100")
)

// Config holds configuration for the Bling API integration
type Config struct {
	// ClientID and ClientSecret identify the OAuth application
	ClientID     string
	ClientSecret string
	// APIBaseURL is the REST base URL
	APIBaseURL   string
	TokenURL     string
	AuthorizeURL string
	// RateDelay is the minimum delay between two consecutive calls
	RateDelay time.Duration
	PageSize  int
	Timeout   time.Duration
	// MaxPages stops a listing that never returns an empty page
	MaxPages int
	// Location is used to read the upstream's local timestamps
	Location *time.Location
}

// NewConfig creates a new Bling configuration with production defaults
func NewConfig(clientID, clientSecret string) *Config {
	return &Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		APIBaseURL:   ProductionAPIURL,
		TokenURL:     ProductionTokenURL,
		AuthorizeURL: ProductionAuthorizeURL,
		RateDelay:    350 * time.Millisecond,
		PageSize:     MaxPageSize,
		Timeout:      30 * time.Second,
		MaxPages:     10000,
		Location:     time.UTC,
	}
}

// Validate checks required fields and fills defaults for optional ones
func (c *Config) Validate() error {
	if c.ClientID == "" {
		return ErrConfigMissingClientID
	}
	if c.ClientSecret == "" {
		return ErrConfigMissingClientSecret
	}
	if c.PageSize == 0 {
		c.PageSize = MaxPageSize
	}
	if c.PageSize < 1 || c.PageSize > MaxPageSize {
		return ErrConfigInvalidPageSize
	}
	if c.APIBaseURL == "" {
		c.APIBaseURL = ProductionAPIURL
	}
	if c.TokenURL == "" {
		c.TokenURL = ProductionTokenURL
	}
	if c.AuthorizeURL == "" {
		c.AuthorizeURL = ProductionAuthorizeURL
	}
	if c.Timeout <= 0 {
		c.Timeout = 30 * time.Second
	}
	if c.MaxPages <= 0 {
		c.MaxPages = 10000
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
	return nil
}
