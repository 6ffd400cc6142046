package app

import (
	"errors"
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/ent0n29/callbridge/internal/config"
	"github.com/ent0n29/callbridge/internal/telephony"
)

// resolveProviders builds the call control clients that have credentials.
// Providers without credentials resolve to a no-op that refuses to place
// calls, so media streams keep working either way.
func resolveProviders(cfg config.Config, logger *zap.Logger) (telephony.Providers, error) {
	providers := telephony.Providers{}

	twilio, err := telephony.NewTwilioProvider(telephony.TwilioConfig{
		AccountSID: cfg.TwilioAccountSID,
		AuthToken:  cfg.TwilioAuthToken,
		FromNumber: cfg.TwilioPhoneNumber,
	})
	switch {
	case err == nil:
		providers[telephony.ProviderTwilio] = twilio
	case !errors.Is(err, telephony.ErrNotConfigured):
		return nil, err
	}

	if cfg.VonageApplicationID != "" {
		key, err := os.ReadFile(cfg.VonagePrivateKeyPath)
		if err != nil {
			return nil, fmt.Errorf("read VONAGE_PRIVATE_KEY_PATH: %w", err)
		}
		vonage, err := telephony.NewVonageProvider(telephony.VonageConfig{
			ApplicationID: cfg.VonageApplicationID,
			PrivateKey:    key,
			FromNumber:    cfg.VonageNumber,
		})
		if err != nil {
			return nil, err
		}
		providers[telephony.ProviderVonage] = vonage
	}

	if _, ok := providers[cfg.TelephonyProvider]; !ok && cfg.TelephonyProvider != telephony.ProviderNone {
		logger.Warn("telephony provider has no credentials, outbound calls are disabled",
			zap.String("provider", cfg.TelephonyProvider))
	}
	return providers, nil
}
