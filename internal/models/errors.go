package models

import (
	"errors"
	"fmt"
)

// ConfigurationError reports missing or invalid account parameters.
type ConfigurationError struct {
	Account string
	Field   string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	if e.Account == "" {
		return fmt.Sprintf("invalid configuration: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid configuration for account %s: %s %s", e.Account, e.Field, e.Reason)
}

// FetchError reports a failed or timed out MailSource call.
type FetchError struct {
	AccountID string
	Timeout   bool
	Err       error
}

func (e *FetchError) Error() string {
	if e.Timeout {
		return fmt.Sprintf("fetch for account %s timed out: %v", e.AccountID, e.Err)
	}
	return fmt.Sprintf("fetch for account %s failed: %v", e.AccountID, e.Err)
}

func (e *FetchError) Unwrap() error { return e.Err }

// DeliveryError reports a sink that rejected a poll result.
type DeliveryError struct {
	AccountID string
	Err       error
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("delivery for account %s failed: %v", e.AccountID, e.Err)
}

func (e *DeliveryError) Unwrap() error { return e.Err }

// IsConfigurationError reports whether err (or any error in its chain) is a ConfigurationError.
func IsConfigurationError(err error) bool {
	var cfgErr *ConfigurationError
	return errors.As(err, &cfgErr)
}

// IsFetchError reports whether err (or any error in its chain) is a FetchError.
func IsFetchError(err error) bool {
	var fetchErr *FetchError
	return errors.As(err, &fetchErr)
}

// IsDeliveryError reports whether err (or any error in its chain) is a DeliveryError.
func IsDeliveryError(err error) bool {
	var deliveryErr *DeliveryError
	return errors.As(err, &deliveryErr)
}
