// Package mock provides in-memory test doubles for the orgsession
// collaborators: an organization service with its transport, an identity
// layer and a controllable clock.
package mock

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/blackwell-systems/orgsession"
)

// ErrNotFound is returned for unknown records.
var ErrNotFound = errors.New("record not found")

// DefaultPageSize is the page size used when a query does not set one.
const DefaultPageSize = 5000

// Service is an in-memory organization service.
type Service struct {
	mu      sync.RWMutex
	records map[string]map[uuid.UUID]*orgsession.Entity
	order   map[string][]uuid.UUID // insertion order, for stable paging
	links   map[string]map[orgsession.EntityReference]bool

	// UserID is returned by WhoAmI.
	UserID uuid.UUID

	// Behavior control for testing
	ExecuteError  error
	RetrieveError error
	CreateError   error
	UpdateError   error
	DeleteError   error
	LinkError     error
	Latency       time.Duration // added to every operation
}

// NewService creates an empty service.
func NewService() *Service {
	return &Service{
		records: make(map[string]map[uuid.UUID]*orgsession.Entity),
		order:   make(map[string][]uuid.UUID),
		links:   make(map[string]map[orgsession.EntityReference]bool),
		UserID:  uuid.New(),
	}
}

func (s *Service) wait(ctx context.Context) error {
	if s.Latency <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(s.Latency)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Seed inserts n records of entityName with a "name" attribute and an
// "index" attribute, and returns their ids in insertion order.
func (s *Service) Seed(entityName string, n int) []uuid.UUID {
	ids := make([]uuid.UUID, 0, n)
	for i := 0; i < n; i++ {
		id, _ := s.Create(context.Background(), &orgsession.Entity{
			LogicalName: entityName,
			Attributes: map[string]any{
				"name":  fmt.Sprintf("%s %d", entityName, i),
				"index": i,
			},
		})
		ids = append(ids, id)
	}
	return ids
}

// Len returns the number of records of entityName.
func (s *Service) Len(entityName string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records[entityName])
}

// Execute handles WhoAmI and rejects other messages.
func (s *Service) Execute(ctx context.Context, req *orgsession.Request) (*orgsession.Response, error) {
	if s.ExecuteError != nil {
		return nil, s.ExecuteError
	}
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if req == nil {
		return nil, errors.New("request is nil")
	}

	switch req.Name {
	case orgsession.WhoAmIRequestName:
		return &orgsession.Response{
			Name:    req.Name,
			Results: map[string]any{orgsession.WhoAmIUserIDKey: s.UserID},
		}, nil
	default:
		return nil, fmt.Errorf("unsupported request %q", req.Name)
	}
}

// Retrieve returns a copy of one record restricted to columns.
func (s *Service) Retrieve(ctx context.Context, entityName string, id uuid.UUID, columns orgsession.ColumnSet) (*orgsession.Entity, error) {
	if s.RetrieveError != nil {
		return nil, s.RetrieveError
	}
	if err := s.wait(ctx); err != nil {
		return nil, err
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	e, ok := s.records[entityName][id]
	if !ok {
		return nil, fmt.Errorf("%s %s: %w", entityName, id, ErrNotFound)
	}
	return project(e, columns), nil
}

// RetrieveMultiple returns one page of the records matching query. The
// returned paging cookie describes the query that produced the page.
func (s *Service) RetrieveMultiple(ctx context.Context, query *orgsession.Query) (*orgsession.EntityCollection, error) {
	if s.RetrieveError != nil {
		return nil, s.RetrieveError
	}
	if err := s.wait(ctx); err != nil {
		return nil, err
	}
	if query == nil {
		return nil, errors.New("query is nil")
	}
	if err := orgsession.ValidateEntityName(query.EntityName); err != nil {
		return nil, err
	}

	count := query.PageInfo.Count
	if count <= 0 {
		count = DefaultPageSize
	}
	page := query.PageInfo.PageNumber
	if page <= 0 {
		page = 1
	}

	s.mu.RLock()
	var matched []*orgsession.Entity
	for _, id := range s.order[query.EntityName] {
		e := s.records[query.EntityName][id]
		if matches(e, query.Criteria) {
			matched = append(matched, project(e, query.ColumnSet))
		}
	}
	s.mu.RUnlock()

	start := (page - 1) * count
	if start > len(matched) {
		start = len(matched)
	}
	end := start + count
	if end > len(matched) {
		end = len(matched)
	}

	return &orgsession.EntityCollection{
		EntityName:   query.EntityName,
		Entities:     matched[start:end],
		MoreRecords:  end < len(matched),
		PagingCookie: PagingCookie(query.EntityName, page, count, query.Criteria),
	}, nil
}

// PagingCookie renders the cookie RetrieveMultiple returns for a query.
func PagingCookie(entityName string, page, count int, criteria []orgsession.Condition) string {
	filters := make([]string, 0, len(criteria))
	for _, c := range criteria {
		filters = append(filters, fmt.Sprintf("%s=%v", c.Attribute, c.Value))
	}
	return fmt.Sprintf("entity=%s;page=%d;count=%d;filter=%s", entityName, page, count, strings.Join(filters, ","))
}

// Create stores a copy of entity and returns its id.
func (s *Service) Create(ctx context.Context, entity *orgsession.Entity) (uuid.UUID, error) {
	if s.CreateError != nil {
		return uuid.Nil, s.CreateError
	}
	if err := s.wait(ctx); err != nil {
		return uuid.Nil, err
	}
	if entity == nil {
		return uuid.Nil, errors.New("entity is nil")
	}
	if err := orgsession.ValidateEntityName(entity.LogicalName); err != nil {
		return uuid.Nil, err
	}

	e := clone(entity)
	if e.ID == uuid.Nil {
		e.ID = uuid.New()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.records[e.LogicalName] == nil {
		s.records[e.LogicalName] = make(map[uuid.UUID]*orgsession.Entity)
	}
	if _, exists := s.records[e.LogicalName][e.ID]; exists {
		return uuid.Nil, fmt.Errorf("%s %s already exists", e.LogicalName, e.ID)
	}
	s.records[e.LogicalName][e.ID] = e
	s.order[e.LogicalName] = append(s.order[e.LogicalName], e.ID)
	return e.ID, nil
}

// Update merges entity's attributes into the stored record.
func (s *Service) Update(ctx context.Context, entity *orgsession.Entity) error {
	if s.UpdateError != nil {
		return s.UpdateError
	}
	if err := s.wait(ctx); err != nil {
		return err
	}
	if entity == nil {
		return errors.New("entity is nil")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.records[entity.LogicalName][entity.ID]
	if !ok {
		return fmt.Errorf("%s %s: %w", entity.LogicalName, entity.ID, ErrNotFound)
	}
	if e.Attributes == nil {
		e.Attributes = make(map[string]any)
	}
	for k, v := range entity.Attributes {
		e.Attributes[k] = v
	}
	return nil
}

// Delete removes a record.
func (s *Service) Delete(ctx context.Context, entityName string, id uuid.UUID) error {
	if s.DeleteError != nil {
		return s.DeleteError
	}
	if err := s.wait(ctx); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[entityName][id]; !ok {
		return fmt.Errorf("%s %s: %w", entityName, id, ErrNotFound)
	}
	delete(s.records[entityName], id)
	order := s.order[entityName]
	for i, oid := range order {
		if oid == id {
			s.order[entityName] = append(order[:i:i], order[i+1:]...)
			break
		}
	}
	return nil
}

// Associate links related records to a record.
func (s *Service) Associate(ctx context.Context, entityName string, id uuid.UUID, relationship orgsession.Relationship, related []orgsession.EntityReference) error {
	return s.link(ctx, entityName, id, relationship, related, true)
}

// Disassociate removes links between a record and related records.
func (s *Service) Disassociate(ctx context.Context, entityName string, id uuid.UUID, relationship orgsession.Relationship, related []orgsession.EntityReference) error {
	return s.link(ctx, entityName, id, relationship, related, false)
}

func (s *Service) link(ctx context.Context, entityName string, id uuid.UUID, relationship orgsession.Relationship, related []orgsession.EntityReference, add bool) error {
	if s.LinkError != nil {
		return s.LinkError
	}
	if err := s.wait(ctx); err != nil {
		return err
	}
	if relationship.SchemaName == "" {
		return errors.New("relationship name is empty")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.records[entityName][id]; !ok {
		return fmt.Errorf("%s %s: %w", entityName, id, ErrNotFound)
	}
	key := linkKey(entityName, id, relationship)
	if s.links[key] == nil {
		s.links[key] = make(map[orgsession.EntityReference]bool)
	}
	for _, r := range related {
		if add {
			s.links[key][r] = true
		} else {
			delete(s.links[key], r)
		}
	}
	return nil
}

// Related returns the records linked to a record, sorted by id.
func (s *Service) Related(entityName string, id uuid.UUID, relationship orgsession.Relationship) []orgsession.EntityReference {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []orgsession.EntityReference
	for r := range s.links[linkKey(entityName, id, relationship)] {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID.String() < out[j].ID.String() })
	return out
}

func linkKey(entityName string, id uuid.UUID, relationship orgsession.Relationship) string {
	return entityName + "/" + id.String() + "/" + relationship.SchemaName
}

func matches(e *orgsession.Entity, criteria []orgsession.Condition) bool {
	for _, c := range criteria {
		if fmt.Sprint(e.Attributes[c.Attribute]) != fmt.Sprint(c.Value) {
			return false
		}
	}
	return true
}

func project(e *orgsession.Entity, columns orgsession.ColumnSet) *orgsession.Entity {
	out := &orgsession.Entity{LogicalName: e.LogicalName, ID: e.ID, Attributes: make(map[string]any)}
	if columns.AllColumns || len(columns.Columns) == 0 {
		for k, v := range e.Attributes {
			out.Attributes[k] = v
		}
		return out
	}
	for _, c := range columns.Columns {
		if v, ok := e.Attributes[c]; ok {
			out.Attributes[c] = v
		}
	}
	return out
}

func clone(e *orgsession.Entity) *orgsession.Entity {
	return project(e, orgsession.ColumnSet{AllColumns: true})
}

// Call records one outbound call seen by a Connector.
type Call struct {
	Op       string
	Metadata map[string]string
}

// Connector builds Clients bound to a Service.
type Connector struct {
	Service *Service

	// Authorize, when set, checks the metadata of every call.
	Authorize func(md map[string]string) error

	// Behavior control for testing
	ConnectError error
	CallError    error // returned verbatim from every call

	mu    sync.Mutex
	calls []Call
}

// NewConnector creates a Connector for svc.
func NewConnector(svc *Service) *Connector {
	return &Connector{Service: svc}
}

// Connect returns a Client bound to creds.
func (c *Connector) Connect(meta *orgsession.ServiceMetadata, creds orgsession.CallCredentials) (orgsession.OrganizationService, error) {
	if c.ConnectError != nil {
		return nil, c.ConnectError
	}
	if creds == nil {
		return nil, errors.New("call credentials are nil")
	}
	return &Client{connector: c, creds: creds}, nil
}

// Calls returns the calls seen so far.
func (c *Connector) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]Call, len(c.calls))
	copy(out, c.calls)
	return out
}

func (c *Connector) record(op string, md map[string]string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, Call{Op: op, Metadata: md})
}

// Client is a transport-level client. It asks its CallCredentials for
// metadata on every call, like a real transport does.
type Client struct {
	connector *Connector
	creds     orgsession.CallCredentials
}

func (c *Client) begin(ctx context.Context, op string) error {
	md, err := c.creds.RequestMetadata(ctx)
	if err != nil {
		return err
	}
	c.connector.record(op, md)
	if c.connector.Authorize != nil {
		if err := c.connector.Authorize(md); err != nil {
			return err
		}
	}
	return c.connector.CallError
}

// Execute implements orgsession.OrganizationService.
func (c *Client) Execute(ctx context.Context, req *orgsession.Request) (*orgsession.Response, error) {
	if err := c.begin(ctx, "Execute"); err != nil {
		return nil, err
	}
	return c.connector.Service.Execute(ctx, req)
}

// Retrieve implements orgsession.OrganizationService.
func (c *Client) Retrieve(ctx context.Context, entityName string, id uuid.UUID, columns orgsession.ColumnSet) (*orgsession.Entity, error) {
	if err := c.begin(ctx, "Retrieve"); err != nil {
		return nil, err
	}
	return c.connector.Service.Retrieve(ctx, entityName, id, columns)
}

// RetrieveMultiple implements orgsession.OrganizationService.
func (c *Client) RetrieveMultiple(ctx context.Context, query *orgsession.Query) (*orgsession.EntityCollection, error) {
	if err := c.begin(ctx, "RetrieveMultiple"); err != nil {
		return nil, err
	}
	return c.connector.Service.RetrieveMultiple(ctx, query)
}

// Create implements orgsession.OrganizationService.
func (c *Client) Create(ctx context.Context, entity *orgsession.Entity) (uuid.UUID, error) {
	if err := c.begin(ctx, "Create"); err != nil {
		return uuid.Nil, err
	}
	return c.connector.Service.Create(ctx, entity)
}

// Update implements orgsession.OrganizationService.
func (c *Client) Update(ctx context.Context, entity *orgsession.Entity) error {
	if err := c.begin(ctx, "Update"); err != nil {
		return err
	}
	return c.connector.Service.Update(ctx, entity)
}

// Delete implements orgsession.OrganizationService.
func (c *Client) Delete(ctx context.Context, entityName string, id uuid.UUID) error {
	if err := c.begin(ctx, "Delete"); err != nil {
		return err
	}
	return c.connector.Service.Delete(ctx, entityName, id)
}

// Associate implements orgsession.OrganizationService.
func (c *Client) Associate(ctx context.Context, entityName string, id uuid.UUID, relationship orgsession.Relationship, related []orgsession.EntityReference) error {
	if err := c.begin(ctx, "Associate"); err != nil {
		return err
	}
	return c.connector.Service.Associate(ctx, entityName, id, relationship, related)
}

// Disassociate implements orgsession.OrganizationService.
func (c *Client) Disassociate(ctx context.Context, entityName string, id uuid.UUID, relationship orgsession.Relationship, related []orgsession.EntityReference) error {
	if err := c.begin(ctx, "Disassociate"); err != nil {
		return err
	}
	return c.connector.Service.Disassociate(ctx, entityName, id, relationship, related)
}

// Compile-time interface checks
var (
	_ orgsession.OrganizationService = (*Service)(nil)
	_ orgsession.OrganizationService = (*Client)(nil)
	_ orgsession.Connector           = (*Connector)(nil)
)
