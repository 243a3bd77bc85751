package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/jmhodges/clock"
	"github.com/smallstep/nosql/database"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"github.com/cpu/acmebroker/acme"
	"github.com/cpu/acmebroker/acme/client"
	"github.com/cpu/acmebroker/db"
)

// Server operating modes.
const (
	ModeCA     = "ca"
	ModeBroker = "broker"
	ModeProxy  = "proxy"
)

// How long orders and their authorizations stay usable.
const orderTTL = 24 * time.Hour

// DBConfig selects the nosql driver and data source backing the store.
type DBConfig struct {
	Driver     string `yaml:"driver"`
	DataSource string `yaml:"data_source"`
}

// UpstreamConfig configures the internal ACME client relay modes use.
type UpstreamConfig struct {
	// The upstream CA's directory URL.
	DirectoryURL string `yaml:"directory_url"`
	// Path to the PEM encoded private key of the shared upstream account.
	AccountKey string `yaml:"account_key"`
	// Optional PEM CA bundle for HTTPS requests to the upstream CA.
	CACert string `yaml:"ca_cert"`
	// Optional contact email for the shared upstream account.
	ContactEmail string `yaml:"contact_email"`
	// Optional in-process challenge test server that answers the upstream
	// CA's validation queries. Development setups only.
	ChallSrv *ChallSrvConfig `yaml:"chall_srv"`
}

// ChallSrvConfig configures the in-process challenge test server used to
// answer upstream validations in development setups.
type ChallSrvConfig struct {
	HTTPListen []string `yaml:"http_listen"`
	DNSListen  []string `yaml:"dns_listen"`
	// The challenge type to answer, "http-01" or "dns-01".
	ChallengeType string `yaml:"challenge_type"`
}

// Config holds the server's operational knobs.
type Config struct {
	// Address to listen on, e.g. ":8000".
	Listen string `yaml:"listen"`
	// The externally visible base URL used to build resource URLs.
	ExternalURL string `yaml:"external_url"`
	// One of "ca", "broker" or "proxy".
	Mode string `yaml:"mode"`

	DB       DBConfig       `yaml:"db"`
	Upstream UpstreamConfig `yaml:"upstream"`

	// Minimum RSA modulus size accepted for account keys and CSR keys.
	RSAMinKeySize int `yaml:"rsa_min_keysize"`
	// Terms of service URL advertised in the directory meta. Empty disables
	// the terms-of-service agreement requirement.
	TOSURL string `yaml:"tos_url"`
	// Allowed mailto contact suffixes. Empty disables the check.
	MailSuffixes []string `yaml:"mail_suffixes"`
	// CIDRs allowed to talk to the server. Empty allows all.
	Subnets []string `yaml:"subnets"`
	// Honor X-Forwarded-For. When false, presence of the header is treated
	// as spoofing and rejected.
	UseForwardedHeader bool `yaml:"use_forwarded_header"`
	// Bound on the outstanding nonce working set.
	NonceCapacity int `yaml:"nonce_capacity"`
	// Which challenge validator to register: "requestipdns" (default) or
	// "dummy".
	ChallengeValidator string `yaml:"challenge_validator"`
	// Optional "host:port" resolver the requestipdns validator queries
	// instead of the system resolvers.
	DNSResolver string `yaml:"dns_resolver"`

	// CA mode only: the issuing certificate and its private key.
	Cert       string `yaml:"cert"`
	PrivateKey string `yaml:"private_key"`
}

// LoadConfig reads and validates a YAML config file.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config %q: %w", path, err)
	}
	config := new(Config)
	if err := yaml.Unmarshal(raw, config); err != nil {
		return nil, fmt.Errorf("parsing config %q: %w", path, err)
	}
	if err := config.normalize(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) normalize() error {
	if c.Mode == "" {
		c.Mode = ModeCA
	}
	switch c.Mode {
	case ModeCA, ModeBroker, ModeProxy:
	default:
		return fmt.Errorf("unknown mode %q", c.Mode)
	}
	if c.Listen == "" {
		c.Listen = ":8000"
	}
	if c.ExternalURL == "" {
		return fmt.Errorf("external_url must be set")
	}
	if c.RSAMinKeySize == 0 {
		c.RSAMinKeySize = 2048
	}
	if c.DB.Driver == "" {
		c.DB.Driver = "bbolt"
	}
	return nil
}

// Options carries the collaborators New needs beyond the Config. Tests
// inject fakes here; the binary fills them from the config.
type Options struct {
	// Mandatory.
	Logger *zap.Logger
	// Defaults to the system clock.
	Clock clock.Clock
	// Optional pre-opened database; when nil the config's db section is
	// used.
	DB database.DB
	// Validators to register. Defaults to a single RequestIPDNSValidator.
	Validators []Validator
	// The internal ACME client. Required for broker and proxy modes.
	Upstream *client.Client
	// The issuing certificate and key. Required for CA mode; when nil the
	// config's cert/private_key paths are loaded.
	Issuer *Issuer
}

// Server is one ACME server instance.
type Server struct {
	config     Config
	logger     *zap.Logger
	clk        clock.Clock
	store      *db.Store
	nonces     *NonceStore
	validators *ValidatorRegistry
	urls       *URLBuilder
	metrics    *Metrics
	engine     finalizeEngine
	issuer     *Issuer
	subnets    []*net.IPNet
	router     chi.Router

	// Tracks background validation and finalization tasks so Shutdown can
	// wait for them.
	tasks sync.WaitGroup
}

// finalizeEngine is the mode-specific half of order processing. finalize
// runs as a background task after the finalize handler commits; it must open
// its own session and re-read the order by id.
type finalizeEngine interface {
	mode() string
	finalize(ctx context.Context, kid, orderID string)
}

// New builds a Server from the given config and collaborators.
func New(config Config, opts Options) (*Server, error) {
	if err := config.normalize(); err != nil {
		return nil, err
	}
	if opts.Logger == nil {
		return nil, fmt.Errorf("a logger is required")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	urls, err := NewURLBuilder(config.ExternalURL)
	if err != nil {
		return nil, err
	}

	var store *db.Store
	if opts.DB != nil {
		store, err = db.New(opts.DB, clk, opts.Logger)
	} else {
		store, err = db.Open(config.DB.Driver, config.DB.DataSource, clk, opts.Logger)
	}
	if err != nil {
		return nil, err
	}

	registry := NewValidatorRegistry()
	validators := opts.Validators
	if len(validators) == 0 {
		switch config.ChallengeValidator {
		case "", "requestipdns":
			validators = []Validator{&RequestIPDNSValidator{ResolverAddress: config.DNSResolver}}
		case "dummy":
			validators = []Validator{&DummyValidator{}}
		default:
			return nil, fmt.Errorf("unknown challenge validator %q", config.ChallengeValidator)
		}
	}
	for _, v := range validators {
		if err := registry.Register(v); err != nil {
			return nil, err
		}
	}

	var subnets []*net.IPNet
	for _, cidr := range config.Subnets {
		_, subnet, err := net.ParseCIDR(cidr)
		if err != nil {
			return nil, fmt.Errorf("parsing subnet %q: %w", cidr, err)
		}
		subnets = append(subnets, subnet)
	}

	srv := &Server{
		config:     config,
		logger:     opts.Logger.Named("acme"),
		clk:        clk,
		store:      store,
		nonces:     NewNonceStore(config.NonceCapacity),
		validators: registry,
		urls:       urls,
		metrics:    NewMetrics(),
		subnets:    subnets,
	}

	switch config.Mode {
	case ModeCA:
		issuer := opts.Issuer
		if issuer == nil {
			issuer, err = LoadIssuer(config.Cert, config.PrivateKey)
			if err != nil {
				return nil, err
			}
		}
		srv.issuer = issuer
		srv.engine = &caEngine{srv: srv, issuer: issuer}
	case ModeBroker:
		if opts.Upstream == nil {
			return nil, fmt.Errorf("broker mode requires an upstream client")
		}
		srv.engine = &brokerEngine{srv: srv, upstream: opts.Upstream}
	case ModeProxy:
		if opts.Upstream == nil {
			return nil, fmt.Errorf("proxy mode requires an upstream client")
		}
		srv.engine = &proxyEngine{srv: srv, upstream: opts.Upstream}
	}

	srv.router = srv.routes()
	return srv, nil
}

// Handler returns the server's HTTP handler.
func (srv *Server) Handler() http.Handler {
	return srv.router
}

// Mode returns the configured operating mode.
func (srv *Server) Mode() string {
	return srv.config.Mode
}

// Shutdown waits for in-flight background tasks and closes the store.
func (srv *Server) Shutdown() error {
	srv.tasks.Wait()
	return srv.store.Close()
}

func (srv *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(srv.clientIPMiddleware)

	r.Get(directoryPath, srv.directoryHandler)
	r.Head(newNoncePath, srv.newNonceHandler)
	r.Get(newNoncePath, srv.newNonceHandler)
	r.Post(newAccountPath, srv.newAccountHandler)
	r.Post(accountsPath+"/{kid}", srv.accountHandler)
	r.Post(newOrderPath, srv.newOrderHandler)
	r.Post(orderPath+"/{id}", srv.orderHandler)
	r.Post(orderPath+"/{id}/finalize", srv.finalizeHandler)
	r.Post(ordersPath+"/{kid}", srv.ordersHandler)
	r.Post(authzPath+"/{id}", srv.authorizationHandler)
	r.Post(challengePath+"/{id}", srv.challengeHandler)
	r.Post(certificatePath+"/{id}", srv.certificateHandler)
	r.Post(revokeCertPath, srv.revokeCertHandler)
	r.Post(keyChangePath, srv.keyChangeHandler)
	r.Get(caChainPath, srv.caChainHandler)
	r.Post(caChainPath, srv.caChainHandler)

	r.Route("/mgmt", func(r chi.Router) {
		r.Get("/accounts", srv.mgmtAccountsHandler)
		r.Get("/orders", srv.mgmtOrdersHandler)
		r.Get("/certificates", srv.mgmtCertificatesHandler)
		r.Get("/changes", srv.mgmtChangesHandler)
	})
	r.Handle("/metrics", srv.metrics.Handler())

	return r
}

type contextKey int

const clientIPKey contextKey = iota

// clientIPMiddleware resolves the requester's source address, honoring
// X-Forwarded-For only when configured, and enforces the subnet whitelist
// before any handler runs.
func (srv *Server) clientIPMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		forwarded := r.Header.Get("X-Forwarded-For")
		if forwarded != "" && !srv.config.UseForwardedHeader {
			srv.writeProblem(w, r, acme.NewProblem(acme.ErrMalformed,
				"X-Forwarded-For is not accepted by this server"))
			return
		}

		var raw string
		if srv.config.UseForwardedHeader && forwarded != "" {
			raw = strings.TrimSpace(strings.Split(forwarded, ",")[0])
		} else {
			host, _, err := net.SplitHostPort(r.RemoteAddr)
			if err != nil {
				host = r.RemoteAddr
			}
			raw = host
		}
		ip := net.ParseIP(raw)
		if ip == nil {
			srv.writeProblem(w, r, acme.NewProblem(acme.ErrMalformed,
				"could not determine the request's source address"))
			return
		}

		if len(srv.subnets) > 0 {
			allowed := false
			for _, subnet := range srv.subnets {
				if subnet.Contains(ip) {
					allowed = true
					break
				}
			}
			if !allowed {
				srv.writeProblem(w, r, acme.NewProblem(acme.ErrUnauthorized,
					"The source address %s is not allowed to use this server", ip))
				return
			}
		}

		next.ServeHTTP(w, r.WithContext(
			context.WithValue(r.Context(), clientIPKey, ip)))
	})
}

// clientIP returns the source address the middleware resolved.
func clientIP(r *http.Request) net.IP {
	ip, _ := r.Context().Value(clientIPKey).(net.IP)
	return ip
}

// addProtocolHeaders attaches the headers every ACME response carries: a
// fresh Replay-Nonce, Cache-Control: no-store and a Link to the directory.
// Nonces are issued on error responses too.
func (srv *Server) addProtocolHeaders(w http.ResponseWriter) {
	nonce, err := srv.nonces.Issue()
	if err != nil {
		srv.logger.Error("issuing nonce", zap.Error(err))
	} else {
		w.Header().Set(acme.REPLAY_NONCE_HEADER, nonce)
		srv.metrics.noncesIssued.Inc()
	}
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Add("Link", fmt.Sprintf("<%s>;rel=\"index\"", srv.urls.DirectoryURL()))
}

// writeJSON renders v as an application/json response with the standard
// protocol headers.
func (srv *Server) writeJSON(w http.ResponseWriter, r *http.Request, status int, v interface{}) {
	body, err := json.Marshal(v)
	if err != nil {
		srv.logger.Error("encoding response", zap.Error(err))
		srv.writeProblem(w, r, err)
		return
	}
	srv.addProtocolHeaders(w)
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(body)
	srv.countRequest(r, status)
}

// writeProblem renders an error as an application/problem+json document.
// Errors that are not *acme.Problem values become a generic 500 problem so
// internal detail never leaks.
func (srv *Server) writeProblem(w http.ResponseWriter, r *http.Request, err error) {
	problem, ok := err.(*acme.Problem)
	if !ok {
		srv.logger.Error("internal error", zap.String("path", r.URL.Path), zap.Error(err))
		problem = acme.InternalProblem()
	}
	if problem.Type == acme.ErrorTypePrefix+acme.ErrBadNonce {
		srv.metrics.noncesRejected.Inc()
	}

	body, marshalErr := json.Marshal(problem)
	if marshalErr != nil {
		body = []byte(`{"type":"about:blank"}`)
	}
	srv.addProtocolHeaders(w)
	w.Header().Set("Content-Type", acme.PROBLEM_JSON_CONTENT_TYPE)
	w.WriteHeader(problem.Status)
	_, _ = w.Write(body)
	srv.countRequest(r, problem.Status)
}

func (srv *Server) countRequest(r *http.Request, status int) {
	// use the route pattern, not the raw path, to keep label cardinality
	// bounded
	endpoint := r.URL.Path
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			endpoint = pattern
		}
	}
	srv.metrics.requests.WithLabelValues(endpoint, strconv.Itoa(status)).Inc()
}

// spawn runs fn as a tracked background task. Tasks run to completion even
// if the originating request's transport goes away, so they get a fresh
// context rather than the request's.
func (srv *Server) spawn(name string, fn func(ctx context.Context)) {
	srv.tasks.Add(1)
	go func() {
		defer srv.tasks.Done()
		defer func() {
			if p := recover(); p != nil {
				srv.logger.Error("background task panicked",
					zap.String("task", name), zap.Any("panic", p))
			}
		}()
		fn(context.Background())
	}()
}
