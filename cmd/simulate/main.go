package main

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/brianvoe/gofakeit/v7"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"

	"github.com/hackgods/consultation-signaling/internal/api"
	"github.com/hackgods/consultation-signaling/internal/auth"
	"github.com/hackgods/consultation-signaling/internal/client"
	"github.com/hackgods/consultation-signaling/internal/config"
	"github.com/hackgods/consultation-signaling/internal/consultation"
	"github.com/hackgods/consultation-signaling/internal/db"
	"github.com/hackgods/consultation-signaling/internal/doctor"
	"github.com/hackgods/consultation-signaling/internal/logging"
	"github.com/hackgods/consultation-signaling/internal/patient"
	"github.com/hackgods/consultation-signaling/internal/push"
)

type SimConfig struct {
	APIBaseURL   string
	InProcess    bool
	Duration     time.Duration
	Patients     int
	Doctors      int
	AcceptRatio  float64
	ThinkTime    time.Duration
	PollInterval time.Duration
	WaitDeadline time.Duration
	Push         bool
	PostgresDSN  string
	TokenSecret  string
	TokenTTL     time.Duration
	Env          string
}

type account struct {
	ID    consultation.ID
	Name  string
	Token string
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, err error) {
	atomic.AddInt64(&om.Total, 1)
	var be *consultation.BackendError
	switch {
	case err == nil:
		atomic.AddInt64(&om.Success, 1)
	case errors.As(err, &be) && be.StatusCode == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, lo, hi, p50, p95 time.Duration) {
	om.mu.Lock()
	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	lo = latencies[0]
	hi = latencies[len(latencies)-1]
	p50 = latencies[min(len(latencies)*50/100, len(latencies)-1)]
	p95 = latencies[min(len(latencies)*95/100, len(latencies)-1)]
	return avg, lo, hi, p50, p95
}

type Metrics struct {
	Start         OperationMetrics
	Status        OperationMetrics
	Inbox         OperationMetrics
	Accept        OperationMetrics
	Reject        OperationMetrics
	NotifyPatient OperationMetrics
	Complete      OperationMetrics
	Handshake     OperationMetrics // submit to video handoff, patient side

	rejected int64
	timedOut int64
	failed   int64
	handoffs int64
	mismatch int64
}

// meteredClient times every call a flow makes against the backend.
type meteredClient struct {
	c *client.Client
	m *Metrics
}

func (mc meteredClient) StartConsultation(ctx context.Context, doctorID consultation.ID) (client.StartResult, error) {
	start := time.Now()
	res, err := mc.c.StartConsultation(ctx, doctorID)
	mc.m.Start.Record(time.Since(start), err)
	return res, err
}

func (mc meteredClient) FetchStatus(ctx context.Context, q client.StatusQuery) (client.StatusResult, error) {
	start := time.Now()
	res, err := mc.c.FetchStatus(ctx, q)
	if !errors.Is(err, context.Canceled) {
		mc.m.Status.Record(time.Since(start), err)
	}
	return res, err
}

func (mc meteredClient) FetchConsultations(ctx context.Context) ([]consultation.Consultation, error) {
	start := time.Now()
	list, err := mc.c.FetchConsultations(ctx)
	if !errors.Is(err, context.Canceled) {
		mc.m.Inbox.Record(time.Since(start), err)
	}
	return list, err
}

func (mc meteredClient) Accept(ctx context.Context, id consultation.ID) (string, error) {
	start := time.Now()
	meetingID, err := mc.c.Accept(ctx, id)
	mc.m.Accept.Record(time.Since(start), err)
	return meetingID, err
}

func (mc meteredClient) Reject(ctx context.Context, id consultation.ID) error {
	start := time.Now()
	err := mc.c.Reject(ctx, id)
	mc.m.Reject.Record(time.Since(start), err)
	return err
}

func (mc meteredClient) NotifyPatient(ctx context.Context, id consultation.ID) (string, error) {
	start := time.Now()
	meetingID, err := mc.c.NotifyPatient(ctx, id)
	mc.m.NotifyPatient.Record(time.Since(start), err)
	return meetingID, err
}

func (mc meteredClient) Complete(ctx context.Context, id consultation.ID) error {
	start := time.Now()
	err := mc.c.Complete(ctx, id)
	mc.m.Complete.Record(time.Since(start), err)
	return err
}

type Simulator struct {
	config   SimConfig
	log      zerolog.Logger
	doctors  []account
	patients []account
	metrics  Metrics

	// meeting ids handed to doctors by consultation, checked against what
	// the patient side receives
	rooms sync.Map
}

func main() {
	cfg, err := loadConfig()
	if err != nil {
		boot := logging.New("prod", "simulate")
		boot.Fatal().Err(err).Msg("invalid config")
	}
	logger := logging.New(cfg.Env, "simulate")

	logger.Info().
		Dur("duration", cfg.Duration).
		Int("patients", cfg.Patients).
		Int("doctors", cfg.Doctors).
		Float64("accept_ratio", cfg.AcceptRatio).
		Bool("in_process", cfg.InProcess).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	sim := &Simulator{config: cfg, log: logger}

	if cfg.InProcess {
		shutdown, err := sim.startBackend(ctx)
		if err != nil {
			logger.Fatal().Err(err).Msg("start in-process backend")
		}
		defer shutdown()
	} else {
		if err := sim.loadAccounts(ctx); err != nil {
			logger.Fatal().Err(err).Msg("load accounts")
		}
	}

	logger.Info().
		Str("api", sim.config.APIBaseURL).
		Int("doctors", len(sim.doctors)).
		Int("patients", len(sim.patients)).
		Msg("accounts ready")

	sim.Run()
	sim.PrintReport()
}

func loadConfig() (SimConfig, error) {
	baseCfg, err := config.Load()
	if err != nil {
		return SimConfig{}, fmt.Errorf("failed to load base config: %w", err)
	}

	cfg := SimConfig{
		APIBaseURL:   baseCfg.APIBaseURL,
		InProcess:    getBool("SIM_IN_PROCESS", true),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Patients:     getInt("SIM_PATIENTS", 20),
		Doctors:      getInt("SIM_DOCTORS", 4),
		AcceptRatio:  getFloat("SIM_ACCEPT_RATIO", 0.8),
		ThinkTime:    getDuration("SIM_THINK_TIME", 200*time.Millisecond),
		PollInterval: getDuration("SIM_POLL_INTERVAL", 250*time.Millisecond),
		WaitDeadline: getDuration("SIM_WAIT_DEADLINE", 10*time.Second),
		Push:         baseCfg.PushEnabled,
		PostgresDSN:  baseCfg.PostgresDSN,
		TokenSecret:  baseCfg.TokenSecret,
		TokenTTL:     baseCfg.TokenTTL,
		Env:          baseCfg.Env,
	}

	switch {
	case cfg.Patients <= 0:
		return cfg, errors.New("SIM_PATIENTS must be > 0")
	case cfg.Doctors <= 0:
		return cfg, errors.New("SIM_DOCTORS must be > 0")
	case cfg.Duration <= 0:
		return cfg, errors.New("SIM_DURATION must be > 0")
	case cfg.AcceptRatio < 0 || cfg.AcceptRatio > 1:
		return cfg, errors.New("SIM_ACCEPT_RATIO must be within [0, 1]")
	case !cfg.InProcess && cfg.PostgresDSN == "":
		return cfg, errors.New("POSTGRES_DSN is required when SIM_IN_PROCESS=false")
	}

	return cfg, nil
}

// startBackend serves the development API from this process on a loopback
// port, backed by a memory store filled with fake accounts.
func (s *Simulator) startBackend(ctx context.Context) (func(), error) {
	repo := consultation.NewMemoryRepository()
	issuer := auth.NewIssuer(s.config.TokenSecret, s.config.TokenTTL)
	faker := gofakeit.New(uint64(time.Now().UnixNano()))

	for i := 0; i < s.config.Doctors; i++ {
		d, err := repo.CreateDoctor(ctx, "Dr. "+faker.LastName(), faker.Email(), true)
		if err != nil {
			return nil, err
		}
		s.doctors = append(s.doctors, account{ID: d.ID, Name: d.Name})
	}
	for i := 0; i < s.config.Patients; i++ {
		p, err := repo.CreatePatient(ctx, faker.Name(), faker.Email())
		if err != nil {
			return nil, err
		}
		s.patients = append(s.patients, account{ID: p.ID, Name: p.Name})
	}
	if err := s.issueTokens(issuer); err != nil {
		return nil, err
	}

	var hub *push.Hub
	var opts []consultation.ServiceOption
	if s.config.Push {
		hub = push.NewHub(s.log)
		opts = append(opts, consultation.WithNotifier(hub))
	}
	svc := consultation.NewService(repo, nil, 10*time.Minute, s.log, opts...)

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, err
	}
	srv := &http.Server{
		Handler: api.NewRouter(api.RouterConfig{
			Service:    svc,
			Issuer:     issuer,
			AuthScheme: "Token",
			Hub:        hub,
			Store:      config.StoreMemory,
			Env:        s.config.Env,
			Version:    "simulate",
			Logger:     zerolog.Nop(),
		}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.log.Error().Err(err).Msg("in-process backend stopped")
		}
	}()

	s.config.APIBaseURL = "http://" + ln.Addr().String() + "/api/v1"
	return func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}, nil
}

// loadAccounts reads seeded accounts from Postgres and mints tokens with the
// backend's shared secret.
func (s *Simulator) loadAccounts(ctx context.Context) error {
	pool, err := db.ConnectPostgres(ctx, s.config.PostgresDSN)
	if err != nil {
		return err
	}
	defer pool.Close()

	s.doctors, err = queryAccounts(ctx, pool, `SELECT id, name FROM doctors WHERE available ORDER BY id LIMIT $1`, s.config.Doctors)
	if err != nil {
		return fmt.Errorf("load doctors: %w", err)
	}
	s.patients, err = queryAccounts(ctx, pool, `SELECT id, name FROM patients ORDER BY id LIMIT $1`, s.config.Patients)
	if err != nil {
		return fmt.Errorf("load patients: %w", err)
	}

	if len(s.doctors) == 0 {
		return errors.New("no available doctors loaded, run cmd/seed first")
	}
	if len(s.patients) == 0 {
		return errors.New("no patients loaded, run cmd/seed first")
	}

	return s.issueTokens(auth.NewIssuer(s.config.TokenSecret, s.config.TokenTTL))
}

func queryAccounts(ctx context.Context, pool *pgxpool.Pool, query string, limit int) ([]account, error) {
	rows, err := pool.Query(ctx, query, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []account
	for rows.Next() {
		var id int64
		var name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, err
		}
		out = append(out, account{ID: consultation.IDFromInt64(id), Name: name})
	}
	return out, rows.Err()
}

func (s *Simulator) issueTokens(issuer *auth.Issuer) error {
	for i := range s.doctors {
		t, err := issuer.Issue(consultation.Principal{UserID: s.doctors[i].ID, Role: consultation.RoleDoctor}, s.doctors[i].Name)
		if err != nil {
			return err
		}
		s.doctors[i].Token = t
	}
	for i := range s.patients {
		t, err := issuer.Issue(consultation.Principal{UserID: s.patients[i].ID, Role: consultation.RolePatient}, s.patients[i].Name)
		if err != nil {
			return err
		}
		s.patients[i].Token = t
	}
	return nil
}

func (s *Simulator) client(token string) meteredClient {
	return meteredClient{
		c: client.New(s.config.APIBaseURL, auth.StaticToken(token),
			client.WithHTTPClient(&http.Client{Timeout: 10 * time.Second})),
		m: &s.metrics,
	}
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	s.log.Info().Dur("duration", s.config.Duration).Msg("starting simulation")

	var doctors sync.WaitGroup
	for i, d := range s.doctors {
		doctors.Add(1)
		go func(workerID int, d account) {
			defer doctors.Done()
			s.doctorWorker(ctx, workerID, d)
		}(i, d)
	}

	var patients sync.WaitGroup
	for i, p := range s.patients {
		patients.Add(1)
		go func(workerID int, p account) {
			defer patients.Done()
			s.patientWorker(ctx, workerID, p)
		}(i, p)
	}

	patients.Wait()
	cancel()
	doctors.Wait()
	s.log.Info().Msg("simulation complete")
}

func (s *Simulator) doctorWorker(ctx context.Context, workerID int, d account) {
	faker := gofakeit.New(uint64(time.Now().UnixNano()) + uint64(workerID))
	dc := s.client(d.Token)
	queue := make(chan consultation.Consultation, 64)

	var mu sync.Mutex
	queued := make(map[consultation.ID]struct{})

	inbox := doctor.New(dc, doctor.Options{PollInterval: s.config.PollInterval}, doctor.Hooks{
		OnList: func(list []consultation.Consultation) {
			mu.Lock()
			defer mu.Unlock()
			for _, c := range list {
				if _, ok := queued[c.ID]; ok {
					continue
				}
				select {
				case queue <- c:
					queued[c.ID] = struct{}{}
				default:
				}
			}
		},
	}, s.log.With().Str("doctor_id", d.ID.String()).Logger())

	if err := inbox.Start(); err != nil {
		s.log.Error().Err(err).Msg("start inbox")
		return
	}
	defer inbox.Stop()
	s.subscribe(ctx, d.Token, inbox.Nudge)

	for {
		select {
		case <-ctx.Done():
			return
		case c := <-queue:
			select {
			case <-ctx.Done():
				return
			case <-time.After(s.config.ThinkTime):
			}

			if faker.Float64() < s.config.AcceptRatio {
				h, err := inbox.Accept(ctx, c.ID)
				if err == nil {
					s.rooms.Store(c.ID, h.MeetingID)
				}
			} else {
				_ = inbox.Reject(ctx, c.ID)
			}
		}
	}
}

func (s *Simulator) patientWorker(ctx context.Context, workerID int, p account) {
	faker := gofakeit.New(uint64(time.Now().UnixNano()) + uint64(workerID)<<16)
	pc := s.client(p.Token)

	for ctx.Err() == nil {
		d := s.doctors[faker.Number(0, len(s.doctors)-1)]

		flow := patient.New(pc, patient.Options{
			PollInterval: s.config.PollInterval,
			WaitDeadline: s.config.WaitDeadline,
		}, patient.Hooks{}, zerolog.Nop())
		unsubscribe := s.subscribe(ctx, p.Token, flow.Nudge)

		if err := flow.SelectDoctor(d.ID); err != nil {
			unsubscribe()
			return
		}

		start := time.Now()
		if err := flow.Submit(ctx); err != nil {
			unsubscribe()
			continue
		}

		snap, err := flow.Wait(ctx)
		unsubscribe()
		if err != nil {
			flow.Cancel()
			return
		}

		switch snap.State {
		case patient.StateConnected:
			atomic.AddInt64(&s.metrics.handoffs, 1)
			s.metrics.Handshake.Record(time.Since(start), nil)
			if room, ok := s.rooms.Load(snap.ConsultationID); ok && room != snap.MeetingID {
				atomic.AddInt64(&s.metrics.mismatch, 1)
			}
			_ = pc.Complete(ctx, snap.ConsultationID)
		case patient.StateRejected:
			atomic.AddInt64(&s.metrics.rejected, 1)
		case patient.StateTimedOut:
			atomic.AddInt64(&s.metrics.timedOut, 1)
		default:
			atomic.AddInt64(&s.metrics.failed, 1)
		}
	}
}

// subscribe nudges on push events when push is enabled. The returned func
// stops the subscription.
func (s *Simulator) subscribe(ctx context.Context, token string, nudge func()) func() {
	if !s.config.Push {
		return func() {}
	}
	wsURL, err := push.URLFor(s.config.APIBaseURL)
	if err != nil {
		s.log.Warn().Err(err).Msg("push disabled")
		return func() {}
	}

	subCtx, cancel := context.WithCancel(ctx)
	sub := push.NewSubscriber(wsURL, "Token", auth.StaticToken(token), zerolog.Nop())
	go func() {
		_ = sub.Run(subCtx, func(push.Event) { nudge() })
	}()
	return cancel
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Doctors: %d  Patients: %d  Push: %t\n", len(s.doctors), len(s.patients), s.config.Push)
	fmt.Println()

	printOperationReport("Start consultation", &s.metrics.Start)
	printOperationReport("Status poll", &s.metrics.Status)
	printOperationReport("Inbox poll", &s.metrics.Inbox)
	printOperationReport("Accept", &s.metrics.Accept)
	printOperationReport("Reject", &s.metrics.Reject)
	printOperationReport("Notify patient", &s.metrics.NotifyPatient)
	printOperationReport("Complete", &s.metrics.Complete)
	printOperationReport("Handshake (submit to room)", &s.metrics.Handshake)

	fmt.Println("Outcomes:")
	fmt.Printf("  Connected: %d\n", atomic.LoadInt64(&s.metrics.handoffs))
	fmt.Printf("  Rejected: %d\n", atomic.LoadInt64(&s.metrics.rejected))
	fmt.Printf("  Timed out: %d\n", atomic.LoadInt64(&s.metrics.timedOut))
	fmt.Printf("  Failed: %d\n", atomic.LoadInt64(&s.metrics.failed))
	if n := atomic.LoadInt64(&s.metrics.mismatch); n > 0 {
		fmt.Printf("  ROOM MISMATCHES: %d\n", n)
	}
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, lo, hi, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), lo.Round(time.Millisecond), hi.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			return b
		}
	}
	return def
}

func repeat(s string, n int) string {
	return strings.Repeat(s, n)
}
