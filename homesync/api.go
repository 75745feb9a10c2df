package homesync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"
)

const defaultHttpTimeout = 10 * time.Second
const defaultHttpConnectTimeout = 5 * time.Second
const defaultHttpTlsTimeout = 5 * time.Second

func defaultClient() *http.Client {
	dialer := &net.Dialer{
		Timeout: defaultHttpConnectTimeout,
	}
	transport := &http.Transport{
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: defaultHttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   defaultHttpTimeout,
	}
}

type apiCallback[R any] interface {
	Result(result R, err error)
}

// for internal use
type simpleApiCallback[R any] struct {
	callback func(result R, err error)
}

func NewApiCallback[R any](callback func(result R, err error)) apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: callback,
	}
}

func NewNoopApiCallback[R any]() apiCallback[R] {
	return &simpleApiCallback[R]{
		callback: func(result R, err error) {},
	}
}

func (self *simpleApiCallback[R]) Result(result R, err error) {
	self.callback(result, err)
}

type ApiCallbackResult[R any] struct {
	Result R
	Error  error
}

func NewBlockingApiCallback[R any]() (apiCallback[R], chan ApiCallbackResult[R]) {
	c := make(chan ApiCallbackResult[R])
	apiCallback := NewApiCallback[R](func(result R, err error) {
		c <- ApiCallbackResult[R]{
			Result: result,
			Error:  err,
		}
	})
	return apiCallback, c
}

// the submit side of the remote store contract, consumed by the dispatcher.
// the change feed side is consumed by the feed consumer.
type RemoteStore interface {
	SubmitMutation(ctx context.Context, submitMutation *SubmitMutationArgs) (*SubmitMutationResult, error)
	SyncSince(ctx context.Context, entityType string, sinceVersion EntityVersion) ([]*FeedEvent, error)
}

type SubmitMutationArgs struct {
	Operation   Operation      `json:"operation"`
	Payload     map[string]any `json:"payload,omitempty"`
	BaseVersion EntityVersion  `json:"base_version"`
	// honored server-side: a retried request with the same key and an
	// already-applied effect returns the original result
	IdempotencyKey Id `json:"idempotency_key"`

	EntityType string `json:"-"`
	EntityId   string `json:"-"`
}

type SubmitMutationResult struct {
	ServerVersion EntityVersion `json:"server_version"`
}

type submitConflictResult struct {
	CurrentState   map[string]any `json:"current_state,omitempty"`
	CurrentVersion EntityVersion  `json:"current_version"`
	CurrentDeleted bool           `json:"current_deleted,omitempty"`
}

type SyncSinceResult struct {
	Events []*FeedEvent `json:"events"`
}

type HomeApi struct {
	ctx    context.Context
	cancel context.CancelFunc

	apiUrl string

	byJwt string
}

func NewHomeApi(apiUrl string) *HomeApi {
	return NewHomeApiWithContext(context.Background(), apiUrl)
}

func NewHomeApiWithContext(ctx context.Context, apiUrl string) *HomeApi {
	cancelCtx, cancel := context.WithCancel(ctx)

	return &HomeApi{
		ctx:    cancelCtx,
		cancel: cancel,
		apiUrl: apiUrl,
	}
}

// this gets attached to api calls that need it
func (self *HomeApi) SetByJwt(byJwt string) {
	self.byJwt = byJwt
}

func (self *HomeApi) SubmitMutation(ctx context.Context, submitMutation *SubmitMutationArgs) (*SubmitMutationResult, error) {
	url := fmt.Sprintf(
		"%s/entities/%s/%s",
		self.apiUrl,
		submitMutation.EntityType,
		submitMutation.EntityId,
	)
	method := "PUT"
	if submitMutation.Operation == OperationDelete {
		method = "DELETE"
	}
	return request(
		ctx,
		method,
		url,
		submitMutation,
		self.byJwt,
		&SubmitMutationResult{},
		NewNoopApiCallback[*SubmitMutationResult](),
	)
}

func (self *HomeApi) SyncSince(ctx context.Context, entityType string, sinceVersion EntityVersion) ([]*FeedEvent, error) {
	url := fmt.Sprintf(
		"%s/entities/%s?since_version=%d",
		self.apiUrl,
		entityType,
		sinceVersion,
	)
	result, err := request(
		ctx,
		"GET",
		url,
		nil,
		self.byJwt,
		&SyncSinceResult{},
		NewNoopApiCallback[*SyncSinceResult](),
	)
	if err != nil {
		return nil, err
	}
	return result.Events, nil
}

type AuthLoginWithPasswordCallback apiCallback[*AuthLoginWithPasswordResult]

type AuthLoginWithPasswordArgs struct {
	UserAuth string `json:"user_auth"`
	Password string `json:"password"`
}

type AuthLoginWithPasswordResult struct {
	Session *AuthLoginWithPasswordResultSession `json:"session,omitempty"`
	Error   *AuthLoginWithPasswordResultError   `json:"error,omitempty"`
}

type AuthLoginWithPasswordResultSession struct {
	ByJwt         string `json:"by_jwt,omitempty"`
	HouseholdName string `json:"household_name,omitempty"`
}

type AuthLoginWithPasswordResultError struct {
	Message string `json:"message"`
}

func (self *HomeApi) AuthLoginWithPassword(authLoginWithPassword *AuthLoginWithPasswordArgs, callback AuthLoginWithPasswordCallback) {
	go request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/auth/login-with-password", self.apiUrl),
		authLoginWithPassword,
		self.byJwt,
		&AuthLoginWithPasswordResult{},
		callback,
	)
}

func (self *HomeApi) AuthLoginWithPasswordSync(authLoginWithPassword *AuthLoginWithPasswordArgs) (*AuthLoginWithPasswordResult, error) {
	return request(
		self.ctx,
		"POST",
		fmt.Sprintf("%s/auth/login-with-password", self.apiUrl),
		authLoginWithPassword,
		self.byJwt,
		&AuthLoginWithPasswordResult{},
		NewNoopApiCallback[*AuthLoginWithPasswordResult](),
	)
}

func (self *HomeApi) Close() {
	self.cancel()
}

// maps the remote store's statuses onto the failure taxonomy:
// 200 result | 409 VersionConflictError | other 4xx PermanentRejectionError |
// 5xx and network errors TransientNetworkError
func request[R any](ctx context.Context, method string, url string, args any, byJwt string, result R, callback apiCallback[R]) (R, error) {
	var requestBodyBytes []byte
	if args == nil {
		requestBodyBytes = make([]byte, 0)
	} else {
		var err error
		requestBodyBytes, err = json.Marshal(args)
		if err != nil {
			var empty R
			callback.Result(empty, err)
			return empty, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	req.Header.Add("Content-Type", "application/json")

	if byJwt != "" {
		auth := fmt.Sprintf("Bearer %s", byJwt)
		req.Header.Add("Authorization", auth)
	}

	client := defaultClient()
	r, err := client.Do(req)
	if err != nil {
		// timeout, connection reset, dns
		transientErr := &TransientNetworkError{Cause: err}
		var empty R
		callback.Result(empty, transientErr)
		return empty, transientErr
	}
	defer r.Body.Close()

	responseBodyBytes, readErr := io.ReadAll(r.Body)

	switch {
	case r.StatusCode == http.StatusOK:
		// fall through to decode
	case r.StatusCode == http.StatusConflict:
		conflict := &submitConflictResult{}
		if err := json.Unmarshal(responseBodyBytes, conflict); err != nil {
			transientErr := &TransientNetworkError{Cause: fmt.Errorf("malformed conflict body: %w", err)}
			var empty R
			callback.Result(empty, transientErr)
			return empty, transientErr
		}
		conflictErr := &VersionConflictError{
			CurrentVersion: conflict.CurrentVersion,
			CurrentFields:  conflict.CurrentState,
			CurrentDeleted: conflict.CurrentDeleted,
		}
		var empty R
		callback.Result(empty, conflictErr)
		return empty, conflictErr
	case 400 <= r.StatusCode && r.StatusCode < 500:
		// the response body is the error message
		rejectionErr := &PermanentRejectionError{
			StatusCode: r.StatusCode,
			Message:    strings.TrimSpace(string(responseBodyBytes)),
		}
		var empty R
		callback.Result(empty, rejectionErr)
		return empty, rejectionErr
	default:
		transientErr := &TransientNetworkError{
			Cause: errors.New(strings.TrimSpace(string(responseBodyBytes))),
		}
		var empty R
		callback.Result(empty, transientErr)
		return empty, transientErr
	}

	if readErr != nil {
		transientErr := &TransientNetworkError{Cause: readErr}
		var empty R
		callback.Result(empty, transientErr)
		return empty, transientErr
	}

	err = json.Unmarshal(responseBodyBytes, &result)
	if err != nil {
		var empty R
		callback.Result(empty, err)
		return empty, err
	}

	callback.Result(result, nil)
	return result, nil
}
