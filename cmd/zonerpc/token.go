package main

import (
	"context"
	"crypto/subtle"
	"errors"

	"github.com/dep2p/go-zonerpc/pkg/interfaces"
	"github.com/dep2p/go-zonerpc/pkg/types"
)

var errBadToken = errors.New("invalid token")

// tokenValidator 共享令牌校验；expected 为空时接受任何令牌
func tokenValidator(expected string) interfaces.TokenValidator {
	return interfaces.TokenValidatorFunc(func(_ context.Context, token []byte, remote types.Endpoint) error {
		if expected == "" {
			return nil
		}
		if subtle.ConstantTimeCompare(token, []byte(expected)) != 1 {
			logger.Info("拒绝令牌", "remote", remote.String())
			return errBadToken
		}
		return nil
	})
}
