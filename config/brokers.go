package config

import (
	"context"
	"fmt"
	"net"
	"time"
)

// CheckBrokers resolves every broker host so a typo fails startup instead of
// surfacing later as endless publish retries.
func CheckBrokers(ctx context.Context, brokers []string) error {
	if len(brokers) == 0 {
		return fmt.Errorf("no kafka brokers configured")
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	for _, b := range brokers {
		host, _, err := net.SplitHostPort(b)
		if err != nil {
			return fmt.Errorf("broker %q: %w", b, err)
		}
		if net.ParseIP(host) != nil {
			continue
		}
		if _, err := net.DefaultResolver.LookupHost(ctx, host); err != nil {
			return fmt.Errorf("cannot resolve broker %q: %w", b, err)
		}
	}
	return nil
}
