package services

import "go.uber.org/zap"

// NewLogger returns a JSON production logger, or a console development logger
// for any other environment.
func NewLogger(env string) (*zap.Logger, error) {
	if env == "production" {
		return zap.NewProduction()
	}
	return zap.NewDevelopment()
}
