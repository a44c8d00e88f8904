package transcoder

import (
	"bytes"
	"context"
	stdErrors "errors"
	"fmt"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/olekukonko/tablewriter"
	"github.com/riferrei/srclient"
	"github.com/tryfix/errors"
	"github.com/tryfix/log"
	"golang.org/x/sync/singleflight"
)

const (
	defaultLookupTimeout = 5 * time.Second
	defaultSyncTimeout   = 30 * time.Second
	defaultStorageTopic  = `_schemas`

	// registry error code for an unknown schema id
	codeSchemaNotFound = 40403
	// what srclient's mock client answers for an unknown schema id
	mockSchemaNotFound = `schema not found`
)

// ErrUnsupportedSchema is returned when the registry answers with a schema this
// package can't decode with (non avro schema types or unparsable schemas)
var ErrUnsupportedSchema = stdErrors.New(`unsupported schema`)

// SchemaClient is the part of the schema registry api the Registry depends on.
// srclient.SchemaRegistryClient and srclient.MockSchemaRegistryClient both satisfy it.
type SchemaClient interface {
	GetSchema(schemaID int) (*srclient.Schema, error)
	CreateSchema(subject string, schema string, schemaType srclient.SchemaType, references ...srclient.Reference) (*srclient.Schema, error)
}

// Schema is a resolved writer schema
type Schema struct {
	ID      int
	Subject string // empty when resolved by id only
	Version int
	Text    string

	marshaller *AvroMarshaller
	cachedAt   time.Time
}

// Marshaller returns the parsed avro schema holder
func (s *Schema) Marshaller() *AvroMarshaller {
	return s.marshaller
}

func newSchema(id int, text string) (*Schema, error) {
	m := NewAvroMarshaller(text)
	if err := m.Init(); err != nil {
		return nil, errors.WithPrevious(ErrUnsupportedSchema, fmt.Sprintf(`schema [%d]: %s`, id, err))
	}

	return &Schema{
		ID:         id,
		Text:       text,
		marshaller: m,
	}, nil
}

type options struct {
	client           SchemaClient
	timeout          time.Duration
	cacheTTL         time.Duration
	clock            clock.Clock
	backGroundSync   bool
	bootstrapServers []string
	storageTopic     string
	syncTimeout      time.Duration
	logger           log.Logger
}

// Registry resolves schema ids against a schema registry and caches the parsed writer
// schemas. Ids are immutable in the registry so entries are kept for the life of the
// process unless a cache ttl is configured.
type Registry struct {
	idMap   map[int]*Schema
	client  SchemaClient
	flights singleflight.Group
	mu      *sync.RWMutex
	options *options
	logger  log.Logger

	stop context.CancelFunc
	wg   sync.WaitGroup
}

// Option is a type to host NewRegistry configurations
type Option func(*options)

// WithBackgroundSync returns a Configurations to create a NewRegistry which warms its
// cache from the registry's kafka storage topic.
// function required slice of kafka bootstrapServers and schema storageTopic as inputs
func WithBackgroundSync(bootstrapServers []string, storageTopic string) Option {
	return func(options *options) {
		options.bootstrapServers = bootstrapServers
		options.storageTopic = storageTopic
		options.backGroundSync = true
	}
}

// WithSyncTimeout bounds the wait for the initial storage topic catch up
func WithSyncTimeout(timeout time.Duration) Option {
	return func(options *options) {
		options.syncTimeout = timeout
	}
}

// WithLogger returns a Configurations to create a NewRegistry with given PrefixedLogger
func WithLogger(logger log.Logger) Option {
	return func(options *options) {
		options.logger = logger
	}
}

// WithClient replaces the http registry client (eg: srclient.CreateMockSchemaRegistryClient)
func WithClient(client SchemaClient) Option {
	return func(options *options) {
		options.client = client
	}
}

// WithTimeout bounds a single registry lookup
func WithTimeout(timeout time.Duration) Option {
	return func(options *options) {
		options.timeout = timeout
	}
}

// WithCacheTTL expires cached schemas after ttl. Zero keeps them forever.
func WithCacheTTL(ttl time.Duration) Option {
	return func(options *options) {
		options.cacheTTL = ttl
	}
}

func WithClock(clk clock.Clock) Option {
	return func(options *options) {
		options.clock = clk
	}
}

// NewRegistry returns pointer to a registry for the given url with given options
func NewRegistry(url string, opts ...Option) (*Registry, error) {
	options := &options{
		timeout:      defaultLookupTimeout,
		storageTopic: defaultStorageTopic,
		syncTimeout:  defaultSyncTimeout,
		clock:        clock.New(),
	}
	for _, opt := range opts {
		opt(options)
	}

	if options.logger == nil {
		options.logger = log.NewNoopLogger()
	}

	if options.client == nil {
		if url == `` {
			return nil, errors.New(`schema registry url is required`)
		}
		options.client = srclient.NewSchemaRegistryClient(strings.TrimRight(url, `/`),
			srclient.WithClient(&http.Client{Timeout: options.timeout}))
	}

	r := &Registry{
		idMap:   make(map[int]*Schema),
		client:  options.client,
		mu:      new(sync.RWMutex),
		options: options,
		logger:  options.logger.NewLog(log.Prefixed(`registry`)),
	}

	return r, nil
}

// Schema returns the writer schema for id, fetching it from the registry on a cache
// miss. Concurrent misses for the same id share one registry call. The wait is bounded
// by ctx and the lookup timeout.
func (r *Registry) Schema(ctx context.Context, id int) (*Schema, error) {
	if s, ok := r.cached(id); ok {
		return s, nil
	}

	ch := r.flights.DoChan(strconv.Itoa(id), func() (interface{}, error) {
		// an earlier flight may have filled the cache since the read above
		if s, ok := r.cached(id); ok {
			return s, nil
		}
		return r.fetch(id)
	})

	ctx, cancel := context.WithTimeout(ctx, r.options.timeout)
	defer cancel()

	select {
	case res := <-ch:
		if res.Err != nil {
			return nil, res.Err
		}
		return res.Val.(*Schema), nil
	case <-ctx.Done():
		return nil, errors.WithPrevious(ErrRegistryUnavailable, fmt.Sprintf(`lookup of schema [%d] aborted: %s`, id, ctx.Err()))
	}
}

func (r *Registry) fetch(id int) (*Schema, error) {
	r.logger.Debug(fmt.Sprintf(`fetching schema [%d]`, id))

	sch, err := r.client.GetSchema(id)
	if err != nil {
		if isNotFound(err) {
			return nil, errors.WithPrevious(ErrSchemaNotFound, fmt.Sprintf(`schema [%d]: %s`, id, err))
		}
		return nil, errors.WithPrevious(ErrRegistryUnavailable, fmt.Sprintf(`schema [%d]: %s`, id, err))
	}

	if sch == nil {
		return nil, errors.WithPrevious(ErrSchemaNotFound, fmt.Sprintf(`schema [%d]: empty response`, id))
	}

	if t := sch.SchemaType(); t != nil && *t != srclient.Avro {
		return nil, errors.WithPrevious(ErrUnsupportedSchema, fmt.Sprintf(`schema [%d] is of type %s`, id, *t))
	}

	s, err := newSchema(id, sch.Schema())
	if err != nil {
		return nil, err
	}

	r.add(s)
	r.logger.Info(fmt.Sprintf(`schema [%d] cached`, id))

	return s, nil
}

// isNotFound recognises an unknown schema id: error code 40403 from the http client or
// the mock client's not found error. Anything else (5xx, proxy error pages, transport
// failures) counts as the registry being unavailable.
func isNotFound(err error) bool {
	if stdErrors.Is(err, ErrSchemaNotFound) {
		return true
	}

	var re srclient.Error
	if stdErrors.As(err, &re) {
		return re.Code == codeSchemaNotFound
	}

	for e := err; e != nil; e = stdErrors.Unwrap(e) {
		if e.Error() == mockSchemaNotFound {
			return true
		}
	}

	return false
}

// Register registers the avro schema under subject (or finds the existing registration)
// and returns an Encoder for it
func (r *Registry) Register(subject string, schema string) (*Encoder, error) {
	sch, err := r.client.CreateSchema(subject, schema, srclient.Avro)
	if err != nil {
		return nil, errors.WithPrevious(ErrRegistryUnavailable, fmt.Sprintf(`register subject [%s]: %s`, subject, err))
	}

	s, err := newSchema(sch.ID(), schema)
	if err != nil {
		return nil, err
	}
	s.Subject = subject
	s.Version = sch.Version()

	r.add(s)
	r.logger.Info(fmt.Sprintf(`subject [%s][%d] registered with id [%d]`, subject, s.Version, s.ID))

	return NewEncoder(r, s), nil
}

// WithSchema returns an Encoder bound to the schema id
func (r *Registry) WithSchema(ctx context.Context, id int) (*Encoder, error) {
	s, err := r.Schema(ctx, id)
	if err != nil {
		return nil, err
	}

	return NewEncoder(r, s), nil
}

func (r *Registry) GenericEncoder() *GenericEncoder {
	return &GenericEncoder{registry: r}
}

func (r *Registry) cached(id int) (*Schema, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.idMap[id]
	if !ok || r.expired(s) {
		return nil, false
	}

	return s, true
}

func (r *Registry) expired(s *Schema) bool {
	return r.options.cacheTTL > 0 && r.options.clock.Since(s.cachedAt) >= r.options.cacheTTL
}

func (r *Registry) add(s *Schema) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s.cachedAt = r.options.clock.Now()
	r.idMap[s.ID] = s
}

// Len returns the number of cached schemas
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return len(r.idMap)
}

// Sync starts the background routines of the registry: the cache ttl sweeper (when a
// ttl is configured) and the storage topic warm up (WithBackgroundSync). The initial
// storage topic catch up is awaited before returning.
func (r *Registry) Sync(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	r.stop = cancel

	if r.options.cacheTTL > 0 {
		r.startSweeper(ctx)
	}

	if r.options.backGroundSync {
		bgSync, err := newSync(r.options.bootstrapServers, r.options.storageTopic, r)
		if err != nil {
			return err
		}

		if err := bgSync.start(ctx); err != nil {
			return err
		}
	}

	return nil
}

// Close stops the background routines started by Sync
func (r *Registry) Close() error {
	if r.stop != nil {
		r.stop()
	}
	r.wg.Wait()

	return nil
}

// Print logs the cached schemas as a table
func (r *Registry) Print() {
	b := new(bytes.Buffer)
	table := tablewriter.NewWriter(b)
	table.SetHeader([]string{`Schema Id`, `subject`, `version`, `type`, `cached at`})
	table.SetColumnAlignment([]int{tablewriter.ALIGN_LEFT})
	table.SetAutoFormatHeaders(true)

	r.mu.RLock()
	ids := make([]int, 0, len(r.idMap))
	for id := range r.idMap {
		ids = append(ids, id)
	}
	sort.Ints(ids)

	for _, id := range ids {
		s := r.idMap[id]
		table.Append([]string{
			fmt.Sprint(s.ID),
			s.Subject,
			fmt.Sprint(s.Version),
			typeLabel(s),
			s.cachedAt.Format(time.RFC3339),
		})
	}
	r.mu.RUnlock()

	table.Render()
	r.logger.Info(fmt.Sprintf("schemas\n%s", b.String()))
}

func typeLabel(s *Schema) string {
	if s.marshaller == nil || s.marshaller.Schema() == nil {
		return ``
	}

	sch := s.marshaller.Schema()
	if named, ok := sch.(interface{ FullName() string }); ok {
		return named.FullName()
	}

	return string(sch.Type())
}
