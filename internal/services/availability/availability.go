// Package availability implements the HTTP client for the FDSN-style
// availability web service: POST a request body, parse a whitespace-fielded
// text response into source.AvailabilityRecord values
package availability

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"os"
	"strings"
	"time"

	"wavefetch/internal/core/coverage"
	"wavefetch/internal/core/guardrails"
	"wavefetch/internal/core/source"
	perr "wavefetch/internal/platform/errors"
	"wavefetch/internal/platform/logger"
	wfstrings "wavefetch/internal/platform/strings"
)

// Config bundles the construction-time parameters for one availability
// endpoint
type Config struct {
	URL       string
	Timeout   time.Duration
	Retries   int
	RetryBase time.Duration
	Timeouts  guardrails.Timeouts // Fetch/Read default from Timeout when unset
}

// Client implements source.AvailabilityClient against one FDSN-style
// availability endpoint
type Client struct {
	cfg  Config
	http *http.Client
	log  *logger.Logger
}

var _ source.AvailabilityClient = (*Client)(nil)

// New builds a Client; zero Retries means exactly one attempt, zero
// RetryBase defaults to 500ms
func New(cfg Config) *Client {
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.Timeouts.Fetch <= 0 {
		cfg.Timeouts.Fetch = cfg.Timeout
	}
	return &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logger.Named("availability"),
	}
}

// Fetch reads the user-supplied request body from requestPath, prepends the
// two merge directives, POSTs with a bounded retry budget, and parses the
// whitespace-fielded response into AvailabilityRecords sorted by
// (net,sta,loc,cha,begin). Implements spec.md §4.3 step 2-5 and §6
func (c *Client) Fetch(ctx context.Context, requestPath string) ([]source.AvailabilityRecord, error) {
	userBody, err := os.ReadFile(requestPath)
	if err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeIncompleteRetrieval, "availability: read request file %s", requestPath)
	}
	body := buildRequestBody(userBody)

	attempts := max(c.cfg.Retries, 1)
	var lastErr error
	for i := 0; i < attempts; i++ {
		records, respBody, err := c.doOnce(ctx, body)
		if err == nil {
			return records, nil
		}
		lastErr = &fetchError{cause: err, requestBody: body, responseBody: respBody}
		if i == attempts-1 {
			break
		}
		d := min(c.cfg.RetryBase<<i, 30*time.Second)
		jitter := d/2 + time.Duration(rand.Int63n(int64(d/2+1)))
		c.log.Warn().Err(err).Int("attempt", i).Dur("retry_in", jitter).Msg("availability fetch failed, retrying")
		if se := guardrails.SleepCtx(ctx, jitter); se != nil {
			return nil, se
		}
	}
	return nil, lastErr
}

// doOnce issues a single POST attempt and parses the body on success. It
// always returns the raw response bytes it managed to read, even on a parse
// failure, so the caller can attach them to a Diagnosable error
func (c *Client) doOnce(ctx context.Context, body []byte) ([]source.AvailabilityRecord, []byte, error) {
	fetchCtx, cancel := guardrails.ForFetch(ctx, c.cfg.Timeouts)
	defer cancel()

	req, err := http.NewRequestWithContext(fetchCtx, http.MethodPost, c.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return nil, nil, perr.Wrapf(err, perr.ErrorCodeUnknown, "availability: build request")
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "availability: POST %s", c.cfg.URL)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, nil, perr.Wrapf(err, perr.ErrorCodeUnavailable, "availability: read response body")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, respBody, perr.Newf(perr.ErrorCodeUnavailable, "availability: unexpected status %d", resp.StatusCode)
	}

	records, err := parseResponse(respBody)
	if err != nil {
		return nil, respBody, err
	}
	return records, respBody, nil
}

// buildRequestBody prepends the merge directives the Download Manager
// relies on to collapse adjacent quality/sample-rate variants, unless the
// caller's own request body already declares them
func buildRequestBody(userBody []byte) []byte {
	var buf bytes.Buffer
	body := string(userBody)
	if !wfstrings.Contains(body, "mergequality=") {
		buf.WriteString("mergequality=true\n")
	}
	if !wfstrings.Contains(body, "mergesamplerate=") {
		buf.WriteString("mergesamplerate=true\n")
	}
	buf.Write(userBody)
	return buf.Bytes()
}

// parseResponse parses whitespace-fielded "NET STA LOC CHA BEGIN END" lines,
// skipping comments and blank lines, treating "--" as an empty code field
func parseResponse(body []byte) ([]source.AvailabilityRecord, error) {
	var records []source.AvailabilityRecord

	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 6 {
			return nil, perr.Newf(perr.ErrorCodeIncompleteRetrieval, "availability: malformed response line %d: %q", lineNo, line)
		}
		begin, err := parseFDSNTime(fields[4])
		if err != nil {
			return nil, perr.Wrapf(err, perr.ErrorCodeIncompleteRetrieval, "availability: bad begin time on line %d", lineNo)
		}
		end, err := parseFDSNTime(fields[5])
		if err != nil {
			return nil, perr.Wrapf(err, perr.ErrorCodeIncompleteRetrieval, "availability: bad end time on line %d", lineNo)
		}
		records = append(records, source.AvailabilityRecord{
			Stream: coverage.StreamID{
				Network:  undash(fields[0]),
				Station:  undash(fields[1]),
				Location: undash(fields[2]),
				Channel:  undash(fields[3]),
			},
			Begin: begin,
			End:   end,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, perr.Wrapf(err, perr.ErrorCodeIncompleteRetrieval, "availability: scan response")
	}
	return records, nil
}

func undash(field string) string {
	if field == "--" {
		return ""
	}
	return field
}

const fdsnTimeLayout = "2006-01-02T15:04:05.000000"

func parseFDSNTime(field string) (float64, error) {
	t, err := time.Parse(fdsnTimeLayout, field)
	if err != nil {
		return 0, err
	}
	return float64(t.UTC().UnixNano()) / 1e9, nil
}

// fetchError satisfies source.Diagnosable, surfacing the first lines of the
// request and (if any was read) response bodies for operator diagnosis, per
// spec.md §4.3 step 5 and §7
type fetchError struct {
	cause        error
	requestBody  []byte
	responseBody []byte
}

func (e *fetchError) Error() string {
	return fmt.Sprintf("availability fetch: %v", e.cause)
}

func (e *fetchError) Unwrap() error { return e.cause }

func (e *fetchError) Diagnostics() (requestLines, responseLines []string) {
	return firstLines(e.requestBody, 10), firstLines(e.responseBody, 10)
}

func firstLines(body []byte, n int) []string {
	if len(body) == 0 {
		return nil
	}
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() && len(lines) < n {
		lines = append(lines, scanner.Text())
	}
	return lines
}
