package rpc

import "slices"

type ValidationServiceConfig struct {
	AvailableProviders []string
}

type ValidationService struct {
	config *ValidationServiceConfig
}

func NewValidationService(config *ValidationServiceConfig) *ValidationService {
	if config == nil {
		config = &ValidationServiceConfig{}
	}
	return &ValidationService{
		config: config,
	}
}

func (s *ValidationService) IsSupportedProvider(provider string) bool {
	return slices.Contains(s.config.AvailableProviders, provider)
}
