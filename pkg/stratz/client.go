// Package stratz implements the STRATZ GraphQL client: one fetch attempt
// per call, classified for the retry loop, plus decoding of the league
// payload the enrichment run cares about.
package stratz

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/dotalab/stratz-enrich/pkg/fetcher"
	"github.com/rs/zerolog"
)

// DefaultEndpoint is the STRATZ GraphQL API endpoint.
const DefaultEndpoint = "https://api.stratz.com/graphql"

// matchLeagueQuery asks for the league/tier fields of a single match.
const matchLeagueQuery = `query GetMatch($id: Long!) {
    match(id: $id) {
        id
        leagueId
        league {
            id
            displayName
            tier
        }
    }
}`

// LeagueData is the enrichment payload for one match. All fields are
// pointers so that a match without league information keeps explicit nulls
// in the final artifact.
type LeagueData struct {
	LeagueID   *int64  `json:"leagueId"`
	LeagueName *string `json:"leagueName"`
	LeagueTier *string `json:"leagueTier"`
}

// Config holds the client configuration.
type Config struct {
	// Endpoint overrides the GraphQL URL (tests point this at a mock).
	Endpoint string

	// UserAgent identifies this tool to the API.
	UserAgent string

	// Timeout bounds a single attempt end to end.
	Timeout time.Duration
}

// DefaultConfig returns a safe default configuration.
func DefaultConfig() Config {
	return Config{
		Endpoint:  DefaultEndpoint,
		UserAgent: "stratz-enrich/0.1.0",
		Timeout:   30 * time.Second,
	}
}

// Client performs single classified fetch attempts against STRATZ.
// It implements fetcher.RemoteClient.
type Client struct {
	httpClient *http.Client
	config     Config
	logger     zerolog.Logger
}

// New creates a STRATZ client.
func New(cfg Config, logger zerolog.Logger) *Client {
	if cfg.Endpoint == "" {
		cfg.Endpoint = DefaultEndpoint
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = DefaultConfig().UserAgent
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultConfig().Timeout
	}

	return &Client{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		config:     cfg,
		logger:     logger,
	}
}

type graphQLRequest struct {
	Query     string         `json:"query"`
	Variables map[string]any `json:"variables"`
}

type graphQLResponse struct {
	Data *struct {
		Match *matchPayload `json:"match"`
	} `json:"data"`
	Errors []struct {
		Message string `json:"message"`
	} `json:"errors"`
}

type matchPayload struct {
	ID       int64  `json:"id"`
	LeagueID *int64 `json:"leagueId"`
	League   *struct {
		ID          int64   `json:"id"`
		DisplayName *string `json:"displayName"`
		Tier        *string `json:"tier"`
	} `json:"league"`
}

// FetchRecord performs exactly one network attempt for the given match ID
// and classifies the result. The retry policy lives in the fetcher; this
// method never retries on its own.
func (c *Client) FetchRecord(ctx context.Context, token string, id string) fetcher.Attempt {
	matchID, err := strconv.ParseInt(id, 10, 64)
	if err != nil {
		return fetcher.Attempt{
			Class: fetcher.ClassPermanent,
			Err:   fmt.Errorf("record identifier %q is not a match ID: %w", id, err),
		}
	}

	body, err := json.Marshal(graphQLRequest{
		Query:     matchLeagueQuery,
		Variables: map[string]any{"id": matchID},
	})
	if err != nil {
		return fetcher.Attempt{Class: fetcher.ClassPermanent, Err: fmt.Errorf("marshal query: %w", err)}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.config.Endpoint, bytes.NewReader(body))
	if err != nil {
		return fetcher.Attempt{Class: fetcher.ClassPermanent, Err: fmt.Errorf("create request: %w", err)}
	}

	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.config.UserAgent)
	// STRATZ sits behind Cloudflare and rejects requests without a browser
	// origin; these headers match what stratz.com itself sends.
	req.Header.Set("Origin", "https://stratz.com")
	req.Header.Set("Referer", "https://stratz.com/")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.logger.Debug().Err(err).Str("match", id).Msg("Transport error")
		return fetcher.Attempt{Class: fetcher.ClassTransient, Err: err}
	}
	defer resp.Body.Close()

	if attempt, handled := c.classifyStatus(resp.StatusCode); handled {
		return attempt
	}

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fetcher.Attempt{Class: fetcher.ClassTransient, Err: fmt.Errorf("read response: %w", err)}
	}

	return c.decode(id, payload)
}

// classifyStatus maps a non-200 HTTP status to an attempt classification.
// The second return is false for 200, which the caller decodes.
func (c *Client) classifyStatus(status int) (fetcher.Attempt, bool) {
	switch {
	case status == http.StatusOK:
		return fetcher.Attempt{}, false
	case status == http.StatusTooManyRequests:
		return fetcher.Attempt{
			Class: fetcher.ClassRateLimited,
			Err:   &APIError{StatusCode: status, Class: fetcher.ClassRateLimited, Message: "rate limited"},
		}, true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return fetcher.Attempt{
			Class: fetcher.ClassCredentialInvalid,
			Err:   &APIError{StatusCode: status, Class: fetcher.ClassCredentialInvalid, Message: "authentication rejected"},
		}, true
	case status >= 500:
		return fetcher.Attempt{
			Class: fetcher.ClassTransient,
			Err:   &APIError{StatusCode: status, Class: fetcher.ClassTransient, Message: "server error"},
		}, true
	default:
		return fetcher.Attempt{
			Class: fetcher.ClassPermanent,
			Err:   &APIError{StatusCode: status, Class: fetcher.ClassPermanent, Message: "request rejected"},
		}, true
	}
}

// decode turns a 200 response body into a classified attempt.
func (c *Client) decode(id string, payload []byte) fetcher.Attempt {
	var parsed graphQLResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return fetcher.Attempt{
			Class: fetcher.ClassMalformed,
			Err:   fmt.Errorf("decode response for match %s: %w", id, err),
		}
	}

	if len(parsed.Errors) > 0 {
		return fetcher.Attempt{
			Class: fetcher.ClassPermanent,
			Err:   fmt.Errorf("graphql error for match %s: %s", id, parsed.Errors[0].Message),
		}
	}

	if parsed.Data == nil {
		return fetcher.Attempt{
			Class: fetcher.ClassMalformed,
			Err:   fmt.Errorf("response for match %s has no data member", id),
		}
	}

	// A null match is a valid answer: the API knows nothing about this
	// match, so the enrichment fields stay null.
	if parsed.Data.Match == nil {
		return fetcher.Attempt{Class: fetcher.ClassSuccess, Payload: LeagueData{}}
	}

	data := LeagueData{LeagueID: parsed.Data.Match.LeagueID}
	if league := parsed.Data.Match.League; league != nil {
		data.LeagueName = league.DisplayName
		data.LeagueTier = league.Tier
	}

	return fetcher.Attempt{Class: fetcher.ClassSuccess, Payload: data}
}
