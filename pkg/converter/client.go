package converter

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/onurcolak/link-relay/environments"
	"github.com/onurcolak/link-relay/internal/domain"
	"github.com/onurcolak/link-relay/pkg/logger"
)

const destination = "converter"

type convertRequest struct {
	AccountID string `json:"accountId"`
	URL       string `json:"url"`
}

type convertResponse struct {
	AffiliateURL string `json:"affiliateUrl"`
}

type errorResponse struct {
	Error      string  `json:"error"`
	RetryAfter float64 `json:"retryAfter"`
}

// Client talks to the affiliate conversion service.
type Client struct {
	httpClient *resty.Client
	endpoint   string
}

// NewClient builds the conversion client. Server errors and network failures
// are retried with exponential backoff up to cfg.MaxAttempts attempts; hooks
// run before every attempt.
func NewClient(cfg environments.ConverterConfig, hooks ...resty.RequestMiddleware) *Client {
	retries := cfg.MaxAttempts - 1
	if retries < 0 {
		retries = 0
	}

	client := resty.New().
		SetTimeout(cfg.Timeout).
		SetRetryCount(retries).
		SetRetryWaitTime(cfg.RetryWait).
		SetRetryMaxWaitTime(cfg.RetryMaxWait).
		SetAuthToken(cfg.APIToken).
		SetHeader("Content-Type", "application/json").
		SetHeader("Accept", "application/json").
		AddRetryCondition(shouldRetry)

	for _, hook := range hooks {
		client.OnBeforeRequest(hook)
	}

	return &Client{
		httpClient: client,
		endpoint:   strings.TrimRight(cfg.BaseURL, "/") + "/v1/links",
	}
}

// Convert returns the affiliate form of originalURL for accountID.
func (c *Client) Convert(ctx context.Context, accountID, originalURL string) (string, error) {
	var result convertResponse
	var apiErr errorResponse

	startTime := time.Now()

	resp, err := c.httpClient.R().
		SetContext(ctx).
		SetBody(convertRequest{AccountID: accountID, URL: originalURL}).
		SetResult(&result).
		SetError(&apiErr).
		Post(c.endpoint)

	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		if errors.Is(err, domain.ErrShuttingDown) {
			return "", err
		}
		return "", fmt.Errorf("%w: conversion request failed: %v", domain.ErrTransient, err)
	}

	logger.Debugf("Conversion of %s completed in %v (status: %d)", originalURL, time.Since(startTime), resp.StatusCode())

	switch code := resp.StatusCode(); {
	case code == http.StatusOK || code == http.StatusCreated:
		if result.AffiliateURL == "" {
			return "", fmt.Errorf("%w: empty affiliateUrl in response", domain.ErrTransient)
		}
		return result.AffiliateURL, nil
	case code == http.StatusUnauthorized || code == http.StatusForbidden:
		return "", fmt.Errorf("%w: status %d: %s", domain.ErrUnauthorized, code, apiErr.Error)
	case code == http.StatusBadRequest || code == http.StatusUnprocessableEntity:
		return "", fmt.Errorf("%w: status %d: %s", domain.ErrInvalidURL, code, apiErr.Error)
	case code == http.StatusTooManyRequests:
		return "", &domain.RateLimitError{
			Destination: destination,
			RetryAfter:  retryAfter(resp, apiErr.RetryAfter),
		}
	default:
		return "", fmt.Errorf("%w: unexpected status code %d, body: %s", domain.ErrTransient, code, resp.String())
	}
}

// shouldRetry retries server errors and failed attempts, including attempts
// cut off by the client timeout. It stops once the caller's context is done.
func shouldRetry(r *resty.Response, err error) bool {
	if err != nil {
		if errors.Is(err, domain.ErrShuttingDown) {
			return false
		}
		if r != nil && r.Request != nil {
			return r.Request.Context().Err() == nil
		}
		return !errors.Is(err, context.Canceled)
	}
	return r != nil && r.StatusCode() >= http.StatusInternalServerError
}

// retryAfter prefers the Retry-After header (seconds) over the body field.
func retryAfter(resp *resty.Response, bodySeconds float64) time.Duration {
	if header := resp.Header().Get("Retry-After"); header != "" {
		if seconds, err := strconv.ParseFloat(header, 64); err == nil && seconds > 0 {
			return time.Duration(seconds * float64(time.Second))
		}
	}
	if bodySeconds > 0 {
		return time.Duration(bodySeconds * float64(time.Second))
	}
	return 0
}
