package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/ksred/klear-exchange/internal/types"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/samber/lo"
)

// init configures the logger with pretty printing and timestamps
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// routeStats tracks latency for one API route
type routeStats struct {
	name      string
	durations []time.Duration
	failures  int
}

func (rs *routeStats) calculate() (min, max, mean, p50, p95, p99 time.Duration) {
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sorted := append([]time.Duration(nil), rs.durations...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	percentile := func(p float64) time.Duration {
		return sorted[int(math.Ceil(float64(len(sorted))*p))-1]
	}
	mean = lo.Sum(sorted) / time.Duration(len(sorted))
	return sorted[0], sorted[len(sorted)-1], mean, percentile(0.50), percentile(0.95), percentile(0.99)
}

type stats struct {
	mu     sync.Mutex
	routes map[string]*routeStats
	order  []string
}

func newStats(routes ...string) *stats {
	s := &stats{routes: make(map[string]*routeStats), order: routes}
	for _, r := range routes {
		s.routes[r] = &routeStats{name: r}
	}
	return s
}

func (s *stats) record(route string, d time.Duration, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rs := s.routes[route]
	rs.durations = append(rs.durations, d)
	if err != nil {
		rs.failures++
	}
}

func (s *stats) print() {
	s.mu.Lock()
	defer s.mu.Unlock()

	fmt.Println()
	fmt.Printf("%-10s %6s %6s %10s %10s %10s %10s %10s\n", "route", "calls", "fails", "min", "mean", "p50", "p95", "p99")
	for _, name := range s.order {
		rs := s.routes[name]
		min, _, mean, p50, p95, p99 := rs.calculate()
		fmt.Printf("%-10s %6d %6d %10s %10s %10s %10s %10s\n", name, len(rs.durations), rs.failures,
			min.Round(time.Microsecond), mean.Round(time.Microsecond), p50.Round(time.Microsecond),
			p95.Round(time.Microsecond), p99.Round(time.Microsecond))
	}
}

// trader is one signed up user driving the API
type trader struct {
	baseURL string
	client  *http.Client
	stats   *stats
	token   string
	userID  int64
	open    []int64
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
	Error   *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// call sends a JSON request and decodes the response data into out
func (t *trader) call(route, method, path string, body, out interface{}, headers map[string]string) error {
	start := time.Now()
	err := t.do(method, path, body, out, headers)
	t.stats.record(route, time.Since(start), err)
	return err
}

func (t *trader) do(method, path string, body, out interface{}, headers map[string]string) error {
	var reader io.Reader
	if body != nil {
		payload, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(payload)
	}

	req, err := http.NewRequest(method, t.baseURL+path, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if t.token != "" {
		req.Header.Set("Authorization", "Bearer "+t.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	var result envelope
	if err := json.Unmarshal(respBody, &result); err != nil {
		return fmt.Errorf("status %d, undecodable body: %s", resp.StatusCode, string(respBody))
	}
	if !result.Success {
		if result.Error != nil {
			return fmt.Errorf("status %d: %s", resp.StatusCode, result.Error.Message)
		}
		return fmt.Errorf("status %d", resp.StatusCode)
	}
	if out != nil {
		return json.Unmarshal(result.Data, out)
	}
	return nil
}

func (t *trader) signup(name string) error {
	var user types.User
	if err := t.call("signup", http.MethodPost, "/api/v1/auth/signup", map[string]string{"name": name, "bank_id": name}, &user, nil); err != nil {
		return err
	}

	var token struct {
		Token  string `json:"jwt_token"`
		UserID int64  `json:"user_id"`
	}
	if err := t.call("token", http.MethodPost, "/api/v1/auth/token", map[string]string{"bank_id": name}, &token, nil); err != nil {
		return err
	}
	t.token, t.userID = token.Token, token.UserID
	return nil
}

func (t *trader) placeOrder(rng *rand.Rand, mid int64) error {
	side := types.SideBuy
	if rng.Intn(2) == 0 {
		side = types.SideSell
	}
	body := map[string]interface{}{
		"type":   side,
		"amount": 1 + rng.Int63n(10),
		"price":  mid - 10 + rng.Int63n(21),
	}

	var created struct {
		ID int64 `json:"id"`
	}
	headers := map[string]string{"Idempotency-Key": uuid.NewString()}
	if err := t.call("order", http.MethodPost, "/api/v1/orders", body, &created, headers); err != nil {
		return err
	}
	t.open = append(t.open, created.ID)
	return nil
}

func (t *trader) cancelOldest() {
	if len(t.open) == 0 {
		return
	}
	id := t.open[0]
	t.open = t.open[1:]
	// Matched orders are already closed, which the API reports as not found
	err := t.call("cancel", http.MethodDelete, fmt.Sprintf("/api/v1/orders/%d", id), nil, nil, nil)
	if err != nil {
		log.Debug().Err(err).Int64("order_id", id).Msg("cancel refused")
	}
}

func (t *trader) info(cursor int64) (int64, error) {
	var info struct {
		Cursor int64 `json:"cursor"`
	}
	err := t.call("info", http.MethodGet, fmt.Sprintf("/api/v1/info?cursor=%d", cursor), nil, &info, nil)
	return info.Cursor, err
}

func main() {
	baseURL := flag.String("addr", "http://localhost:8080", "exchange API address")
	traders := flag.Int("traders", 5, "number of concurrent traders")
	orders := flag.Int("orders", 50, "orders placed by each trader")
	mid := flag.Int64("mid", 1000, "mid price orders are placed around")
	flag.Parse()

	log.Info().
		Str("addr", *baseURL).
		Int("traders", *traders).
		Int("orders", *orders).
		Msg("Starting simulation; the server needs the simulated bank with opening balances")

	st := newStats("signup", "token", "order", "cancel", "info")
	client := &http.Client{Timeout: 10 * time.Second}
	run := uuid.NewString()[:8]
	start := time.Now()

	var wg sync.WaitGroup
	for i := 0; i < *traders; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			logger := log.With().Int("trader", i).Logger()
			rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(i)))

			t := &trader{baseURL: *baseURL, client: client, stats: st}
			if err := t.signup(fmt.Sprintf("sim-%s-%d", run, i)); err != nil {
				logger.Error().Err(err).Msg("signup failed")
				return
			}

			var cursor int64
			for n := 0; n < *orders; n++ {
				if err := t.placeOrder(rng, *mid); err != nil {
					logger.Warn().Err(err).Msg("order refused")
				}
				if rng.Intn(5) == 0 {
					t.cancelOldest()
				}
				if n%10 == 9 {
					next, err := t.info(cursor)
					if err != nil {
						logger.Warn().Err(err).Msg("info failed")
						continue
					}
					cursor = next
				}
			}
			logger.Info().Int64("user_id", t.userID).Int64("cursor", cursor).Msg("Trader finished")
		}(i)
	}
	wg.Wait()

	log.Info().Dur("elapsed", time.Since(start)).Msg("Simulation complete")
	st.print()
}
