// Package pickup is a client for the remote pickup API: bearer-token
// login, a GraphQL session directory, and the buy endpoint.
package pickup

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ErrUpstream marks network or auth failures talking to the remote
// system. Callers treat it as retryable, never fatal to the process.
var ErrUpstream = errors.New("upstream unavailable")

type Credentials struct {
	Email    string
	Password string
}

type Client struct {
	hc      *http.Client
	baseURL string
	creds   Credentials
	loc     *time.Location
	log     zerolog.Logger

	mu       sync.Mutex
	token    string
	tokenExp time.Time
}

// tokenTTL is conservative; the API token lasts longer but re-login is
// cheap and keeps expiry handling out of every call site.
const tokenTTL = 30 * time.Minute

// New builds a client. loc is the zone offset-less SessionDate strings
// resolve in; the API reports venue wall-clock times without an offset.
func New(baseURL string, creds Credentials, loc *time.Location, log zerolog.Logger) *Client {
	if loc == nil {
		loc = time.UTC
	}
	return &Client{
		hc:      &http.Client{Timeout: 10 * time.Second},
		baseURL: baseURL,
		creds:   creds,
		loc:     loc,
		log:     log.With().Str("component", "pickup").Logger(),
	}
}

type Session struct {
	ID            int64
	Date          time.Time
	Note          string
	BuyDayMinimum int
	Cost          float64
}

type SessionDetails struct {
	Session
	MaxPlayers       int
	RosterCount      int
	AvailableSpots   int
	IsUserRegistered bool
	CanUserBuy       *bool
}

type BuyResult struct {
	Success bool
	Message string
}

// Login authenticates and caches the bearer token. Safe for concurrent
// use; callers normally go through the other methods, which refresh
// transparently on expiry.
func (c *Client) Login(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.token != "" && time.Now().Before(c.tokenExp) {
		return c.token, nil
	}

	body := map[string]string{"UserName": c.creds.Email, "Password": c.creds.Password}
	var res struct {
		Data struct {
			Token string `json:"Token"`
		} `json:"Data"`
	}
	if err := c.do(ctx, http.MethodPost, "/api/Auth/login", "", body, &res); err != nil {
		return "", err
	}
	if res.Data.Token == "" {
		return "", fmt.Errorf("%w: login returned no token", ErrUpstream)
	}
	c.token = res.Data.Token
	c.tokenExp = time.Now().Add(tokenTTL)
	return c.token, nil
}

func (c *Client) invalidateToken() {
	c.mu.Lock()
	c.token = ""
	c.mu.Unlock()
}

type graphqlRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables,omitempty"`
}

const sessionsQuery = `
query GetSessions {
  Sessions {
    SessionId
    SessionDate
    Note
    BuyDayMinimum
    Cost
  }
}`

type rawSession struct {
	SessionID     int64   `json:"SessionId"`
	SessionDate   string  `json:"SessionDate"`
	Note          string  `json:"Note"`
	BuyDayMinimum int     `json:"BuyDayMinimum"`
	Cost          float64 `json:"Cost"`
}

// Sessions lists upcoming sessions, future ones only. Malformed records
// are logged and skipped rather than failing the whole listing.
func (c *Client) Sessions(ctx context.Context) ([]Session, error) {
	token, err := c.Login(ctx)
	if err != nil {
		return nil, err
	}

	var res struct {
		Data struct {
			Sessions []rawSession `json:"Sessions"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/graphql", token, graphqlRequest{Query: sessionsQuery}, &res); err != nil {
		return nil, err
	}

	now := time.Now()
	out := make([]Session, 0, len(res.Data.Sessions))
	for _, raw := range res.Data.Sessions {
		s, err := raw.parse(c.loc)
		if err != nil {
			c.log.Warn().Int64("session_id", raw.SessionID).Err(err).Msg("skipping malformed session record")
			continue
		}
		if !s.Date.After(now) {
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

var dateLayouts = []string{
	time.RFC3339,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
}

// parse resolves zone-less dates in loc; RFC3339 dates carry their own
// offset and are unaffected.
func (raw rawSession) parse(loc *time.Location) (Session, error) {
	if raw.SessionID == 0 {
		return Session{}, errors.New("missing SessionId")
	}
	var date time.Time
	var err error
	for _, layout := range dateLayouts {
		if date, err = time.ParseInLocation(layout, raw.SessionDate, loc); err == nil {
			break
		}
	}
	if err != nil {
		return Session{}, fmt.Errorf("bad SessionDate %q", raw.SessionDate)
	}
	if raw.BuyDayMinimum < 0 {
		return Session{}, fmt.Errorf("negative BuyDayMinimum %d", raw.BuyDayMinimum)
	}
	return Session{
		ID:            raw.SessionID,
		Date:          date,
		Note:          raw.Note,
		BuyDayMinimum: raw.BuyDayMinimum,
		Cost:          raw.Cost,
	}, nil
}

const sessionDetailsQuery = `
query GetSessionDetails($sessionId: Int!) {
  Session(sessionId: $sessionId) {
    SessionId
    SessionDate
    Note
    BuyDayMinimum
    Cost
    CurrentRoster {
      UserId
    }
    MaxPlayers
    IsUserRegistered
    CanUserBuy
  }
}`

func (c *Client) SessionDetails(ctx context.Context, sessionID int64) (SessionDetails, error) {
	token, err := c.Login(ctx)
	if err != nil {
		return SessionDetails{}, err
	}

	var res struct {
		Data struct {
			Session *struct {
				rawSession
				CurrentRoster []struct {
					UserID string `json:"UserId"`
				} `json:"CurrentRoster"`
				MaxPlayers       int   `json:"MaxPlayers"`
				IsUserRegistered bool  `json:"IsUserRegistered"`
				CanUserBuy       *bool `json:"CanUserBuy"`
			} `json:"Session"`
		} `json:"data"`
	}
	req := graphqlRequest{Query: sessionDetailsQuery, Variables: map[string]any{"sessionId": sessionID}}
	if err := c.do(ctx, http.MethodPost, "/graphql", token, req, &res); err != nil {
		return SessionDetails{}, err
	}
	if res.Data.Session == nil {
		return SessionDetails{}, fmt.Errorf("session %d not found", sessionID)
	}

	raw := res.Data.Session
	s, err := raw.parse(c.loc)
	if err != nil {
		return SessionDetails{}, err
	}
	maxPlayers := raw.MaxPlayers
	if maxPlayers == 0 {
		maxPlayers = 20
	}
	return SessionDetails{
		Session:          s,
		MaxPlayers:       maxPlayers,
		RosterCount:      len(raw.CurrentRoster),
		AvailableSpots:   maxPlayers - len(raw.CurrentRoster),
		IsUserRegistered: raw.IsUserRegistered,
		CanUserBuy:       raw.CanUserBuy,
	}, nil
}

// CanBuySpot pre-checks availability. Prefers the API's own CanUserBuy
// field, falling back to roster math when it is absent.
func (c *Client) CanBuySpot(ctx context.Context, sessionID int64) (bool, error) {
	d, err := c.SessionDetails(ctx, sessionID)
	if err != nil {
		return false, err
	}
	if d.CanUserBuy != nil {
		return *d.CanUserBuy, nil
	}
	return d.AvailableSpots > 0 && !d.IsUserRegistered, nil
}

// Buy purchases a spot. A Success:false response and a transport error
// are both retryable from the scheduler's point of view.
func (c *Client) Buy(ctx context.Context, sessionID int64) (BuyResult, error) {
	token, err := c.Login(ctx)
	if err != nil {
		return BuyResult{}, err
	}

	var res struct {
		Success bool   `json:"Success"`
		Message string `json:"Message"`
	}
	body := map[string]int64{"sessionId": sessionID}
	if err := c.do(ctx, http.MethodPost, "/BuySell/buy", token, body, &res); err != nil {
		return BuyResult{}, err
	}
	return BuyResult{Success: res.Success, Message: res.Message}, nil
}

func (c *Client) do(ctx context.Context, method, path, token string, body, out any) error {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, &buf)
	if err != nil {
		return err
	}
	reqID := uuid.NewString()
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Request-Id", reqID)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}

	res, err := c.hc.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %s %s: %v", ErrUpstream, method, path, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusUnauthorized || res.StatusCode == http.StatusForbidden {
		c.invalidateToken()
		return fmt.Errorf("%w: %s %s: status=%d", ErrUpstream, method, path, res.StatusCode)
	}
	if res.StatusCode >= 400 {
		return fmt.Errorf("%w: %s %s: status=%d", ErrUpstream, method, path, res.StatusCode)
	}

	if out != nil {
		if err := json.NewDecoder(res.Body).Decode(out); err != nil {
			return fmt.Errorf("%w: %s %s: decode: %v", ErrUpstream, method, path, err)
		}
	}
	c.log.Debug().Str("request_id", reqID).Str("path", path).Int("status", res.StatusCode).Msg("api call")
	return nil
}
