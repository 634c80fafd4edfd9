package chatpod

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/murmulab/chatpod/pkg/devstore"
	"github.com/murmulab/chatpod/pkg/jsontime"
)

// Defaults for Activator.
const (
	DefaultActivationAttempts = 60
	DefaultActivationInterval = 5 * time.Second
	DefaultActivationTimeout  = 10 * time.Second

	activationVersion = "2"
)

// Activator proves device identity to the provisioning service and caches
// the resulting bearer credential. Activation runs once per credential
// epoch: a valid cached or persisted credential short-circuits the
// handshake entirely.
type Activator struct {
	// Endpoint is the provisioning base URL without a trailing slash.
	Endpoint string

	// Store persists credentials across restarts. Nil keeps them in
	// memory only.
	Store *devstore.Store

	// Identity supplies the serial number, HMAC key and request headers.
	Identity *devstore.Identity

	// HTTPClient defaults to a client with a 10s timeout.
	HTTPClient *http.Client

	// MaxAttempts bounds the activate polling loop (defaults to 60).
	MaxAttempts int

	// Interval is the activate polling period (defaults to 5s).
	Interval time.Duration

	// OnVerificationCode is called once per handshake with the code the
	// user must enter to register the device, plus the page to enter it
	// on. Nil means the code is only logged.
	OnVerificationCode func(code, url string)

	// Logger defaults to DefaultLogger.
	Logger Logger

	mu     sync.Mutex
	cached *devstore.Credential
}

func (a *Activator) httpClient() *http.Client {
	if a.HTTPClient != nil {
		return a.HTTPClient
	}
	return &http.Client{Timeout: DefaultActivationTimeout}
}

func (a *Activator) maxAttempts() int {
	if a.MaxAttempts <= 0 {
		return DefaultActivationAttempts
	}
	return a.MaxAttempts
}

func (a *Activator) interval() time.Duration {
	if a.Interval <= 0 {
		return DefaultActivationInterval
	}
	return a.Interval
}

func (a *Activator) logger() Logger {
	if a.Logger == nil {
		return DefaultLogger()
	}
	return a.Logger
}

type challengeRequest struct {
	SerialNumber string `json:"serial_number"`
}

type challengeResponse struct {
	Challenge        string `json:"challenge"`
	VerificationCode string `json:"verification_code"`
	VerificationURL  string `json:"verification_url"`
	ExpiresIn        int64  `json:"expires_in"`
}

type activateRequest struct {
	Payload activatePayload `json:"Payload"`
}

type activatePayload struct {
	Algorithm    string `json:"algorithm"`
	SerialNumber string `json:"serial_number"`
	Challenge    string `json:"challenge"`
	HMAC         string `json:"hmac"`
}

type activateResponse struct {
	Token     string `json:"token"`
	ExpiresIn int64  `json:"expires_in"`
	Message   string `json:"message"`
}

// EnsureCredential returns a valid credential, running the activation
// handshake only when neither the cache nor the store holds one.
func (a *Activator) EnsureCredential(ctx context.Context) (*devstore.Credential, error) {
	now := time.Now()

	a.mu.Lock()
	cached := a.cached
	a.mu.Unlock()
	if cached.Valid(now) {
		return cached, nil
	}

	if a.Store != nil {
		cred, err := a.Store.Credential(ctx)
		switch {
		case err == nil:
			a.setCached(cred)
			return cred, nil
		case errors.Is(err, devstore.ErrNoCredential):
		default:
			return nil, err
		}
	}

	if a.Identity == nil {
		return nil, errors.New("chatpod: activation: no device identity")
	}

	ch, err := a.challenge(ctx)
	if err != nil {
		return nil, err
	}
	cred, err := a.activate(ctx, ch.Challenge)
	if err != nil {
		return nil, err
	}

	if a.Store != nil {
		if err := a.Store.SaveCredential(ctx, cred); err != nil {
			a.logger().WarnPrintf("activation: persist credential: %v", err)
		}
	}
	a.setCached(cred)
	return cred, nil
}

// Invalidate forgets the cached and persisted credential. Call it when the
// backend rejects the token so the next session re-activates.
func (a *Activator) Invalidate(ctx context.Context) error {
	a.setCached(nil)
	if a.Store == nil {
		return nil
	}
	return a.Store.DeleteCredential(ctx)
}

func (a *Activator) setCached(cred *devstore.Credential) {
	a.mu.Lock()
	a.cached = cred
	a.mu.Unlock()
}

// challenge requests a fresh challenge and surfaces the verification code.
func (a *Activator) challenge(ctx context.Context) (*challengeResponse, error) {
	resp, err := a.post(ctx, "/challenge", challengeRequest{SerialNumber: a.Identity.Serial})
	if err != nil {
		return nil, fmt.Errorf("chatpod: activation challenge: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &ActivationError{Status: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}
	var ch challengeResponse
	if err := json.NewDecoder(resp.Body).Decode(&ch); err != nil {
		return nil, fmt.Errorf("chatpod: activation challenge: decode: %w", err)
	}
	if ch.Challenge == "" {
		return nil, &ActivationError{Status: resp.StatusCode, Message: "challenge response carries no challenge"}
	}

	if ch.VerificationCode != "" {
		a.logger().InfoPrintf("activation: verification code %s (%s)", ch.VerificationCode, ch.VerificationURL)
		if a.OnVerificationCode != nil {
			a.OnVerificationCode(ch.VerificationCode, ch.VerificationURL)
		}
	}
	return &ch, nil
}

// activate polls the activate endpoint until the user finishes
// verification, the attempt budget runs out, or the server rejects the
// proof.
func (a *Activator) activate(ctx context.Context, challenge string) (*devstore.Credential, error) {
	mac := hmac.New(sha256.New, a.Identity.HMACKey)
	mac.Write([]byte(challenge))
	body := activateRequest{Payload: activatePayload{
		Algorithm:    "hmac-sha256",
		SerialNumber: a.Identity.Serial,
		Challenge:    challenge,
		HMAC:         hex.EncodeToString(mac.Sum(nil)),
	}}

	log := a.logger()
	attempts := a.maxAttempts()
	for attempt := 1; attempt <= attempts; attempt++ {
		cred, retry, err := a.activateOnce(ctx, body)
		if err != nil {
			var actErr *ActivationError
			if errors.As(err, &actErr) || ctx.Err() != nil {
				return nil, err
			}
			log.WarnPrintf("activation: attempt %d/%d: %v", attempt, attempts, err)
		} else if !retry {
			log.InfoPrintf("activation: device %s activated", a.Identity.Serial)
			return cred, nil
		} else {
			log.DebugPrintf("activation: attempt %d/%d: waiting for verification", attempt, attempts)
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(a.interval()):
		}
	}
	return nil, &ActivationError{Message: fmt.Sprintf("verification not completed after %d attempts", attempts)}
}

func (a *Activator) activateOnce(ctx context.Context, body activateRequest) (cred *devstore.Credential, retry bool, err error) {
	resp, err := a.post(ctx, "/activate", body)
	if err != nil {
		return nil, false, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		var ar activateResponse
		if err := json.NewDecoder(resp.Body).Decode(&ar); err != nil {
			return nil, false, fmt.Errorf("decode activate response: %w", err)
		}
		if ar.Token == "" {
			return nil, false, &ActivationError{Status: resp.StatusCode, Message: "activate response carries no token"}
		}
		now := time.Now()
		cred := &devstore.Credential{Token: ar.Token, IssuedAt: jsontime.Milli(now)}
		if ar.ExpiresIn > 0 {
			cred.ExpiresAt = jsontime.Milli(now.Add(time.Duration(ar.ExpiresIn) * time.Second))
		}
		return cred, false, nil
	case http.StatusAccepted:
		io.Copy(io.Discard, resp.Body)
		return nil, true, nil
	default:
		return nil, false, &ActivationError{Status: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}
}

func (a *Activator) post(ctx context.Context, path string, body any) (*http.Response, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return nil, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.Endpoint+path, bytes.NewReader(b))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Activation-Version", activationVersion)
	req.Header.Set("Device-Id", a.Identity.MAC)
	req.Header.Set("Client-Id", a.Identity.ClientID)
	return a.httpClient().Do(req)
}

// readErrorMessage extracts a human-readable message from an error
// response, falling back to the raw body.
func readErrorMessage(r io.Reader) string {
	b, err := io.ReadAll(io.LimitReader(r, 4096))
	if err != nil || len(b) == 0 {
		return "no response body"
	}
	var m struct {
		Message string `json:"message"`
		Error   string `json:"error"`
	}
	if err := json.Unmarshal(b, &m); err == nil {
		if m.Message != "" {
			return m.Message
		}
		if m.Error != "" {
			return m.Error
		}
	}
	return string(bytes.TrimSpace(b))
}
