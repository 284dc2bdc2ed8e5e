// Package orchestrator implements the pick-account -> build-request ->
// call-Kiro -> classify-error -> retry-or-fail state machine shared by every
// protocol adapter (Claude Messages, OpenAI Chat Completions). It is lifted
// out of the Claude handler's historical inline control flow so the two
// protocol surfaces drive one retry policy instead of each keeping its own
// copy.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/anthropics/AIClient-2-API/internal/account"
	"github.com/anthropics/AIClient-2-API/internal/claude"
	"github.com/anthropics/AIClient-2-API/internal/debug"
	"github.com/anthropics/AIClient-2-API/internal/kiro"
	"github.com/anthropics/AIClient-2-API/internal/redis"
)

// ErrNoHealthyAccounts is returned when the pool has no account left to try.
var ErrNoHealthyAccounts = account.ErrNoHealthyAccounts

// ContextTooLongError signals the vendor rejected the request because its
// context window was exceeded; callers should surface this as a retryable
// client-side condition (compact and resend) rather than retry against
// another account, since every account shares the same model limits.
type ContextTooLongError struct {
	AccountUUID string
}

func (e *ContextTooLongError) Error() string {
	return fmt.Sprintf("context too long (account: %s)", e.AccountUUID)
}

// ExhaustedError is returned once every retry attempt has failed.
type ExhaustedError struct {
	LastErr         error
	LastAccountUUID string
	TriedAccounts   []string
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("all accounts failed (tried: %v): %v", e.TriedAccounts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error { return e.LastErr }

// Result is a successful dispatch: an open Kiro response body the caller
// must Close, ready to be streamed or aggregated by the protocol adapter.
type Result struct {
	Body        io.ReadCloser
	AccountUUID string
	StartTime   time.Time
}

// Dispatcher runs the retry state machine against the account pool and the
// Kiro vendor client. It holds no protocol-specific logic: callers convert
// their wire format to claude.MessageRequest and convert the resulting
// event stream back themselves.
type Dispatcher struct {
	selector     *account.Selector
	poolManager  *redis.PoolManager
	tokenManager *redis.TokenManager
	kiroClient   *kiro.Client
	logger       *slog.Logger
	maxRetries   int
}

// Options configures a Dispatcher.
type Options struct {
	Selector     *account.Selector
	PoolManager  *redis.PoolManager
	TokenManager *redis.TokenManager
	KiroClient   *kiro.Client
	Logger       *slog.Logger
	MaxRetries   int
}

// New builds a Dispatcher.
func New(opts Options) *Dispatcher {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	maxRetries := opts.MaxRetries
	if maxRetries == 0 {
		maxRetries = 3
	}
	return &Dispatcher{
		selector:     opts.Selector,
		poolManager:  opts.PoolManager,
		tokenManager: opts.TokenManager,
		kiroClient:   opts.KiroClient,
		logger:       logger,
		maxRetries:   maxRetries,
	}
}

// Dispatch selects a healthy account, refreshes its token if needed, builds
// the Kiro request body from req, and sends it, retrying against a
// different account on the vendor errors that indicate this account (not
// the request) is at fault. debugSession may be nil.
func (d *Dispatcher) Dispatch(ctx context.Context, req *claude.MessageRequest, debugSession *debug.Session) (*Result, error) {
	startTime := time.Now()
	excluded := make(map[string]bool)
	var lastErr error
	var lastAccountUUID string
	var triedAccounts []string

	for attempt := 0; attempt < d.maxRetries; attempt++ {
		acc, err := d.selector.SelectWithRetry(ctx, d.maxRetries-attempt, excluded)
		if err != nil {
			if errors.Is(err, account.ErrNoHealthyAccounts) {
				return nil, ErrNoHealthyAccounts
			}
			lastErr = err
			continue
		}

		lastAccountUUID = acc.UUID
		triedAccounts = append(triedAccounts, acc.UUID)
		if debugSession != nil {
			debugSession.AddTriedAccount(acc.UUID)
			debugSession.SetAccountUUID(acc.UUID)
		}

		token, reqBody, metadata, region, err := d.prepareRequest(ctx, req, acc)
		if err != nil {
			d.logger.Warn("orchestrator: failed to prepare request", "uuid", acc.UUID, "error", err)
			excluded[acc.UUID] = true
			lastErr = err
			continue
		}

		if debugSession != nil {
			debugSession.DumpKiroRequest(reqBody)
		}

		kiroReq := &kiro.Request{
			Region:     region,
			ProfileARN: acc.ProfileARN,
			Token:      token.AccessToken,
			Body:       reqBody,
			Metadata:   metadata,
		}

		body, err := d.kiroClient.SendStreamingRequest(ctx, kiroReq)
		if err != nil {
			var apiErr *kiro.APIError
			if errors.As(err, &apiErr) {
				if debugSession != nil {
					debugSession.SetStatusCode(apiErr.StatusCode)
					debugSession.DumpKiroResponse(apiErr.Body)
				}

				if apiErr.IsContextTooLong() {
					d.logger.Warn("orchestrator: context too long", "uuid", acc.UUID, "profile_arn", acc.ProfileARN, "model", req.Model)
					return nil, &ContextTooLongError{AccountUUID: acc.UUID}
				}
				if d.markAndShouldRetry(ctx, apiErr, acc, req.Model) {
					excluded[acc.UUID] = true
					lastErr = err
					continue
				}
			}
			d.logger.Error("orchestrator: vendor error", "error", err, "uuid", acc.UUID, "profile_arn", acc.ProfileARN)
			return nil, &ExhaustedError{LastErr: err, LastAccountUUID: acc.UUID, TriedAccounts: triedAccounts}
		}

		_ = d.poolManager.IncrementUsage(ctx, acc.UUID)
		return &Result{Body: body, AccountUUID: acc.UUID, StartTime: startTime}, nil
	}

	return nil, &ExhaustedError{LastErr: lastErr, LastAccountUUID: lastAccountUUID, TriedAccounts: triedAccounts}
}

// markAndShouldRetry applies the account-health bookkeeping for a vendor
// error and reports whether another account should be tried.
func (d *Dispatcher) markAndShouldRetry(ctx context.Context, apiErr *kiro.APIError, acc *redis.Account, model string) bool {
	switch {
	case apiErr.IsPaymentRequired():
		nextMonth := getNextMonthFirstDay()
		_ = d.poolManager.MarkUnhealthyWithRecovery(ctx, acc.UUID, nextMonth)
		d.logger.Warn("orchestrator: account quota exhausted, recovery scheduled",
			"uuid", acc.UUID, "profile_arn", acc.ProfileARN, "recovery_time", nextMonth.Format(time.RFC3339))
		return true
	case apiErr.IsRateLimited() || apiErr.IsForbidden():
		_ = d.poolManager.MarkUnhealthy(ctx, acc.UUID)
		return true
	case apiErr.IsBadRequest():
		_ = d.poolManager.MarkUnhealthy(ctx, acc.UUID)
		d.logger.Warn("orchestrator: account returned 400, may not support this model",
			"uuid", acc.UUID, "profile_arn", acc.ProfileARN, "model", model, "region", acc.Region)
		return true
	default:
		return false
	}
}

// prepareRequest fetches/refreshes the account's token and builds the Kiro
// request body.
func (d *Dispatcher) prepareRequest(ctx context.Context, req *claude.MessageRequest, acc *redis.Account) (*redis.Token, []byte, map[string]string, string, error) {
	token, err := d.tokenManager.GetToken(ctx, acc.UUID)
	if err != nil {
		return nil, nil, nil, "", err
	}
	if d.tokenManager.IsExpired(token) {
		d.logger.Warn("orchestrator: token expired, attempting refresh", "uuid", acc.UUID)
		newToken, refreshErr := d.refreshToken(ctx, acc, token)
		if refreshErr != nil {
			return nil, nil, nil, "", refreshErr
		}
		token = newToken
	}

	messagesJSON, _ := json.Marshal(req.Messages)
	toolsJSON, _ := json.Marshal(req.Tools)
	reqBody, metadata, err := kiro.BuildRequestBody(req.Model, messagesJSON, req.MaxTokens, true, req.GetSystemString(), acc.ProfileARN, toolsJSON)
	if err != nil {
		return nil, nil, nil, "", err
	}

	region := token.IDCRegion
	if region == "" {
		region = "us-east-1"
	}
	return token, reqBody, metadata, region, nil
}

// refreshToken calls the Kiro refresh endpoint and persists the new token.
func (d *Dispatcher) refreshToken(ctx context.Context, acc *redis.Account, token *redis.Token) (*redis.Token, error) {
	if token.RefreshToken == "" {
		return nil, fmt.Errorf("no refresh token available")
	}
	region := token.IDCRegion
	if region == "" {
		region = acc.Region
	}
	if region == "" {
		region = "us-east-1"
	}

	d.logger.Info("orchestrator: refreshing expired token", "uuid", acc.UUID, "region", region)

	refreshResp, err := d.kiroClient.RefreshToken(ctx, region, token.RefreshToken, token.AuthMethod, token.IDCRegion, token.ClientID, token.ClientSecret)
	if err != nil {
		return nil, fmt.Errorf("token refresh failed: %w", err)
	}

	expiresAt := time.Now().Add(time.Duration(refreshResp.ExpiresIn) * time.Second).UTC().Format(time.RFC3339)
	newToken := &redis.Token{
		AccessToken:   refreshResp.AccessToken,
		RefreshToken:  refreshResp.RefreshToken,
		ExpiresAt:     expiresAt,
		AuthMethod:    token.AuthMethod,
		TokenType:     token.TokenType,
		ClientID:      token.ClientID,
		ClientSecret:  token.ClientSecret,
		IDCRegion:     token.IDCRegion,
		LastRefreshed: time.Now().UTC().Format(time.RFC3339),
	}
	if refreshResp.ProfileARN != "" {
		acc.ProfileARN = refreshResp.ProfileARN
	}
	if err := d.tokenManager.SetToken(ctx, acc.UUID, newToken); err != nil {
		d.logger.Warn("orchestrator: failed to save refreshed token", "uuid", acc.UUID, "error", err)
	}
	d.logger.Info("orchestrator: token refreshed successfully", "uuid", acc.UUID, "expires_at", expiresAt)
	return newToken, nil
}

// getNextMonthFirstDay returns the first day of next month at 00:00:00 UTC,
// used to schedule an account's recovery after a quota-exhaustion (402).
func getNextMonthFirstDay() time.Time {
	now := time.Now().UTC()
	year, month, _ := now.Date()
	nextMonth := month + 1
	nextYear := year
	if nextMonth > 12 {
		nextMonth = 1
		nextYear++
	}
	return time.Date(nextYear, nextMonth, 1, 0, 0, 0, 0, time.UTC)
}
