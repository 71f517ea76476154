// Package brokertest provides an in-memory NGSI10 context broker for tests
// and demos.
//
// The fake keeps entities per tenant (Fiware-Service), answers queryContext
// with per-element status codes, keeps subscriptions and delivers
// notifyContextRequest bodies to their reference URL whenever
// /NGSI10/updateContext changes a matching entity.
package brokertest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ContextBroker/ContextBroker/pkg/broker"
)

// Update actions accepted by updateContext.
const (
	ActionAppend = "APPEND"
	ActionUpdate = "UPDATE"
	ActionDelete = "DELETE"
)

// DefaultDuration is granted when a subscription does not ask for one.
const DefaultDuration = "PT24H"

// Attribute is an attribute as stored by the fake. Values are kept as raw
// JSON so replies carry exactly what was written.
type Attribute struct {
	Name      string          `json:"name"`
	Type      string          `json:"type,omitempty"`
	Value     json.RawMessage `json:"value,omitempty"`
	Metadatas json.RawMessage `json:"metadatas,omitempty"`
}

// Attr builds an attribute with a textual value, the way NGSI10 brokers
// transmit them.
func Attr(name, typ, value string) Attribute {
	raw, _ := json.Marshal(value)
	return Attribute{Name: name, Type: typ, Value: raw}
}

// Entity is a stored context entity.
type Entity struct {
	ID         string      `json:"id"`
	Type       string      `json:"type,omitempty"`
	IsPattern  string      `json:"isPattern,omitempty"`
	Attributes []Attribute `json:"attributes,omitempty"`
}

// Request records one call received by the fake.
type Request struct {
	Path        string
	Service     string
	ServicePath string
	Body        []byte
}

type entityRef struct {
	ID        string `json:"id"`
	Type      string `json:"type,omitempty"`
	IsPattern any    `json:"isPattern,omitempty"`
}

func (r entityRef) pattern() bool {
	switch v := r.IsPattern.(type) {
	case bool:
		return v
	case string:
		return v == "true"
	}
	return false
}

func (r entityRef) matches(e *Entity) bool {
	if r.Type != "" && r.Type != e.Type {
		return false
	}
	if !r.pattern() {
		return r.ID == e.ID
	}
	re, err := regexp.Compile(r.ID)
	if err != nil {
		return false
	}
	return re.MatchString(e.ID)
}

type notifyCondition struct {
	Type       string   `json:"type"`
	CondValues []string `json:"condValues,omitempty"`
}

type subscription struct {
	ID         string
	Service    string
	Entities   []entityRef
	Attributes []string
	Reference  string
	Duration   string
	Throttling string
	CondValues []string
}

type statusCode struct {
	Code         string `json:"code"`
	ReasonPhrase string `json:"reasonPhrase,omitempty"`
}

type contextResponse struct {
	ContextElement Entity     `json:"contextElement"`
	StatusCode     statusCode `json:"statusCode"`
}

var (
	statusOK       = statusCode{Code: "200", ReasonPhrase: "OK"}
	statusNotFound = statusCode{Code: "404", ReasonPhrase: "No context element found"}
)

// Server is an in-memory NGSI10 broker. The zero value is not usable; call
// NewServer.
type Server struct {
	// InitialNotify sends the current state of matching entities right
	// after a subscription is created.
	InitialNotify bool

	logger *slog.Logger
	client *http.Client

	mu       sync.Mutex
	tenants  map[string][]*Entity
	subs     map[string]*subscription
	requests []Request
	injected map[string][]int

	notifications sync.WaitGroup
}

// NewServer creates an empty broker.
func NewServer() *Server {
	return &Server{
		logger:   slog.Default(),
		client:   &http.Client{Timeout: 5 * time.Second},
		tenants:  make(map[string][]*Entity),
		subs:     make(map[string]*subscription),
		injected: make(map[string][]int),
	}
}

// SetLogger replaces the logger used for notification failures.
func (s *Server) SetLogger(l *slog.Logger) {
	s.logger = l
}

// Handler returns the HTTP handler serving the NGSI10 operations.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST "+broker.PathQueryContext, s.wrap(s.handleQuery))
	mux.HandleFunc("POST "+broker.PathSubscribeContext, s.wrap(s.handleSubscribe))
	mux.HandleFunc("POST "+broker.PathUpdateContextSubscription, s.wrap(s.handleUpdateSubscription))
	mux.HandleFunc("POST "+broker.PathUnsubscribeContext, s.wrap(s.handleUnsubscribe))
	mux.HandleFunc("POST "+broker.PathUpdateContext, s.wrap(s.handleUpdateContext))
	mux.HandleFunc("GET /version", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]any{"orion": map[string]string{"version": "fake"}})
	})
	return mux
}

// Put stores entities for a tenant, replacing entities with the same id and
// type. It does not notify subscribers.
func (s *Server) Put(service string, entities ...Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, e := range entities {
		s.upsertLocked(service, e, ActionAppend)
	}
}

// Update applies an updateContext action and notifies matching
// subscriptions. It is what POST /NGSI10/updateContext runs.
func (s *Server) Update(ctx context.Context, service, action string, entities ...Entity) {
	s.mu.Lock()
	var changed []*Entity
	for _, e := range entities {
		if stored := s.upsertLocked(service, e, action); stored != nil {
			changed = append(changed, stored)
		}
	}
	type delivery struct {
		sub  *subscription
		body []byte
	}
	var deliveries []delivery
	for _, sub := range s.subs {
		if sub.Service != service {
			continue
		}
		if body := s.notificationLocked(sub, changed, changedAttributes(entities)); body != nil {
			deliveries = append(deliveries, delivery{sub: sub, body: body})
		}
	}
	s.mu.Unlock()

	for _, d := range deliveries {
		s.deliver(ctx, d.sub.Reference, d.sub.Service, d.body)
	}
}

// FailNext makes the next call to path answer with the given HTTP status.
// Calls queue up: FailNext twice fails the next two calls.
func (s *Server) FailNext(path string, status int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.injected[path] = append(s.injected[path], status)
}

// Requests returns every call received so far, in order.
func (s *Server) Requests() []Request {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.requests)
}

// RequestsTo returns the calls received on path.
func (s *Server) RequestsTo(path string) []Request {
	var out []Request
	for _, r := range s.Requests() {
		if r.Path == path {
			out = append(out, r)
		}
	}
	return out
}

// Subscriptions returns the ids of live subscriptions, sorted.
func (s *Server) Subscriptions() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.subs))
	for id := range s.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// Wait blocks until every notification started so far was delivered or
// failed.
func (s *Server) Wait() {
	s.notifications.Wait()
}

func (s *Server) wrap(h func(w http.ResponseWriter, r *http.Request, service string, body []byte)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 10<<20))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		service := strings.ToLower(r.Header.Get(broker.HeaderService))

		s.mu.Lock()
		s.requests = append(s.requests, Request{
			Path:        r.URL.Path,
			Service:     service,
			ServicePath: r.Header.Get(broker.HeaderServicePath),
			Body:        body,
		})
		var injected int
		if q := s.injected[r.URL.Path]; len(q) > 0 {
			injected, s.injected[r.URL.Path] = q[0], q[1:]
		}
		s.mu.Unlock()

		if injected != 0 {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(injected)
			fmt.Fprintf(w, `{"orionError":{"code":"%d","reasonPhrase":"injected failure"}}`, injected)
			return
		}
		h(w, r, service, body)
	}
}

func (s *Server) handleQuery(w http.ResponseWriter, r *http.Request, service string, body []byte) {
	var req struct {
		Entities   []entityRef `json:"entities"`
		Attributes []string    `json:"attributes"`
	}
	if err := json.Unmarshal(body, &req); err != nil || len(req.Entities) == 0 {
		writeJSON(w, map[string]any{"errorCode": statusCode{Code: "400", ReasonPhrase: "Bad Request"}})
		return
	}

	s.mu.Lock()
	responses := s.queryLocked(service, req.Entities, req.Attributes)
	s.mu.Unlock()

	writeJSON(w, responses)
}

func (s *Server) queryLocked(service string, refs []entityRef, attrs []string) any {
	var responses []contextResponse
	seen := make(map[*Entity]bool)
	found := false
	for _, ref := range refs {
		matched := false
		for _, e := range s.tenants[service] {
			if seen[e] || !ref.matches(e) {
				continue
			}
			el, ok := project(e, attrs)
			if !ok {
				continue
			}
			seen[e] = true
			matched = true
			responses = append(responses, contextResponse{ContextElement: el, StatusCode: statusOK})
		}
		if matched {
			found = true
			continue
		}
		if !ref.pattern() {
			responses = append(responses, contextResponse{
				ContextElement: Entity{ID: ref.ID, Type: ref.Type, IsPattern: "false"},
				StatusCode:     statusNotFound,
			})
		}
	}
	if !found {
		return map[string]any{"errorCode": statusNotFound}
	}
	return map[string]any{"contextResponses": responses}
}

func (s *Server) handleSubscribe(w http.ResponseWriter, r *http.Request, service string, body []byte) {
	var req struct {
		Entities         []entityRef       `json:"entities"`
		Attributes       []string          `json:"attributes"`
		Reference        string            `json:"reference"`
		Duration         string            `json:"duration"`
		Throttling       string            `json:"throttling"`
		NotifyConditions []notifyCondition `json:"notifyConditions"`
	}
	if err := json.Unmarshal(body, &req); err != nil || len(req.Entities) == 0 || req.Reference == "" {
		writeJSON(w, map[string]any{"subscribeError": map[string]any{
			"errorCode": statusCode{Code: "400", ReasonPhrase: "Bad Request"},
		}})
		return
	}

	sub := &subscription{
		ID:         newSubscriptionID(),
		Service:    service,
		Entities:   req.Entities,
		Attributes: req.Attributes,
		Reference:  req.Reference,
		Duration:   req.Duration,
		Throttling: req.Throttling,
	}
	if sub.Duration == "" {
		sub.Duration = DefaultDuration
	}
	for _, c := range req.NotifyConditions {
		sub.CondValues = append(sub.CondValues, c.CondValues...)
	}

	s.mu.Lock()
	s.subs[sub.ID] = sub
	var initial []byte
	if s.InitialNotify {
		var all []*Entity
		for _, e := range s.tenants[service] {
			all = append(all, e)
		}
		initial = s.notificationLocked(sub, all, nil)
	}
	s.mu.Unlock()

	writeJSON(w, map[string]any{"subscribeResponse": subscribeResponse(sub)})

	if initial != nil {
		s.deliver(context.Background(), sub.Reference, service, initial)
	}
}

func (s *Server) handleUpdateSubscription(w http.ResponseWriter, r *http.Request, service string, body []byte) {
	var req struct {
		SubscriptionID   string            `json:"subscriptionId"`
		Duration         string            `json:"duration"`
		Throttling       string            `json:"throttling"`
		NotifyConditions []notifyCondition `json:"notifyConditions"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, map[string]any{"subscribeError": map[string]any{
			"errorCode": statusCode{Code: "400", ReasonPhrase: "Bad Request"},
		}})
		return
	}

	s.mu.Lock()
	sub, ok := s.subs[req.SubscriptionID]
	if ok && sub.Service != service {
		ok = false
	}
	if ok {
		if req.Duration != "" {
			sub.Duration = req.Duration
		}
		if req.Throttling != "" {
			sub.Throttling = req.Throttling
		}
		if req.NotifyConditions != nil {
			sub.CondValues = nil
			for _, c := range req.NotifyConditions {
				sub.CondValues = append(sub.CondValues, c.CondValues...)
			}
		}
	}
	var resp map[string]any
	if ok {
		resp = map[string]any{"subscribeResponse": subscribeResponse(sub)}
	} else {
		resp = map[string]any{"subscribeError": map[string]any{
			"subscriptionId": req.SubscriptionID,
			"errorCode":      statusNotFound,
		}}
	}
	s.mu.Unlock()

	writeJSON(w, resp)
}

func (s *Server) handleUnsubscribe(w http.ResponseWriter, r *http.Request, service string, body []byte) {
	var req struct {
		SubscriptionID string `json:"subscriptionId"`
	}
	_ = json.Unmarshal(body, &req)

	s.mu.Lock()
	sub, ok := s.subs[req.SubscriptionID]
	if ok && sub.Service == service {
		delete(s.subs, req.SubscriptionID)
	} else {
		ok = false
	}
	s.mu.Unlock()

	status := statusOK
	if !ok {
		status = statusNotFound
	}
	writeJSON(w, map[string]any{"subscriptionId": req.SubscriptionID, "statusCode": status})
}

func (s *Server) handleUpdateContext(w http.ResponseWriter, r *http.Request, service string, body []byte) {
	var req struct {
		ContextElements []Entity `json:"contextElements"`
		UpdateAction    string   `json:"updateAction"`
	}
	if err := json.Unmarshal(body, &req); err != nil {
		writeJSON(w, map[string]any{"errorCode": statusCode{Code: "400", ReasonPhrase: "Bad Request"}})
		return
	}
	action := strings.ToUpper(req.UpdateAction)
	switch action {
	case ActionAppend, ActionUpdate, ActionDelete:
	default:
		writeJSON(w, map[string]any{"errorCode": statusCode{Code: "400", ReasonPhrase: "unknown updateAction " + req.UpdateAction}})
		return
	}

	var responses []contextResponse
	s.mu.Lock()
	for _, e := range req.ContextElements {
		status := statusOK
		if action != ActionAppend && s.findLocked(service, e.ID, e.Type) == nil {
			status = statusNotFound
		}
		responses = append(responses, contextResponse{ContextElement: e, StatusCode: status})
	}
	s.mu.Unlock()

	s.Update(r.Context(), service, action, req.ContextElements...)
	writeJSON(w, map[string]any{"contextResponses": responses})
}

func (s *Server) findLocked(service, id, typ string) *Entity {
	for _, e := range s.tenants[service] {
		if e.ID == id && (typ == "" || e.Type == typ) {
			return e
		}
	}
	return nil
}

// upsertLocked applies one element and returns the stored entity, or nil
// when nothing changed.
func (s *Server) upsertLocked(service string, e Entity, action string) *Entity {
	stored := s.findLocked(service, e.ID, e.Type)
	switch action {
	case ActionDelete:
		if stored == nil {
			return nil
		}
		if len(e.Attributes) == 0 {
			s.tenants[service] = slices.DeleteFunc(s.tenants[service], func(x *Entity) bool { return x == stored })
			return nil
		}
		for _, a := range e.Attributes {
			stored.Attributes = slices.DeleteFunc(stored.Attributes, func(x Attribute) bool { return x.Name == a.Name })
		}
		return stored
	case ActionUpdate:
		if stored == nil {
			return nil
		}
	}

	if stored == nil {
		stored = &Entity{ID: e.ID, Type: e.Type}
		s.tenants[service] = append(s.tenants[service], stored)
	}
	for _, a := range e.Attributes {
		i := slices.IndexFunc(stored.Attributes, func(x Attribute) bool { return x.Name == a.Name })
		if i >= 0 {
			stored.Attributes[i] = a
		} else {
			stored.Attributes = append(stored.Attributes, a)
		}
	}
	return stored
}

// notificationLocked builds the notifyContextRequest body for sub, or nil
// when none of the changed entities concern it. changedAttrs nil means
// every attribute changed.
func (s *Server) notificationLocked(sub *subscription, changed []*Entity, changedAttrs map[string]bool) []byte {
	if changedAttrs != nil && len(sub.CondValues) > 0 {
		hit := false
		for _, c := range sub.CondValues {
			if changedAttrs[c] {
				hit = true
				break
			}
		}
		if !hit {
			return nil
		}
	}

	var responses []contextResponse
	for _, e := range changed {
		if !slices.ContainsFunc(sub.Entities, func(r entityRef) bool { return r.matches(e) }) {
			continue
		}
		el, ok := project(e, sub.Attributes)
		if !ok {
			continue
		}
		responses = append(responses, contextResponse{ContextElement: el, StatusCode: statusOK})
	}
	if len(responses) == 0 {
		return nil
	}

	body, _ := json.Marshal(map[string]any{
		"subscriptionId":   sub.ID,
		"originator":       "localhost",
		"contextResponses": responses,
	})
	return body
}

func (s *Server) deliver(ctx context.Context, reference, service string, body []byte) {
	s.notifications.Add(1)
	go func() {
		defer s.notifications.Done()

		ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()

		req, err := http.NewRequestWithContext(ctx, http.MethodPost, reference, bytes.NewReader(body))
		if err != nil {
			s.logger.Warn("notification request failed", "reference", reference, "error", err)
			return
		}
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set(broker.HeaderService, service)

		resp, err := s.client.Do(req)
		if err != nil {
			s.logger.Warn("notification delivery failed", "reference", reference, "error", err)
			return
		}
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()
}

// project copies e keeping only the requested attributes. It reports false
// when attributes were requested and none is present.
func project(e *Entity, attrs []string) (Entity, bool) {
	out := Entity{ID: e.ID, Type: e.Type, IsPattern: "false"}
	if len(attrs) == 0 {
		out.Attributes = slices.Clone(e.Attributes)
		return out, true
	}
	for _, a := range e.Attributes {
		if slices.Contains(attrs, a.Name) {
			out.Attributes = append(out.Attributes, a)
		}
	}
	return out, len(out.Attributes) > 0
}

func changedAttributes(entities []Entity) map[string]bool {
	m := make(map[string]bool)
	for _, e := range entities {
		for _, a := range e.Attributes {
			m[a.Name] = true
		}
	}
	return m
}

func subscribeResponse(sub *subscription) map[string]string {
	resp := map[string]string{
		"subscriptionId": sub.ID,
		"duration":       sub.Duration,
	}
	if sub.Throttling != "" {
		resp["throttling"] = sub.Throttling
	}
	return resp
}

// newSubscriptionID returns a 24 hex digit id shaped like the ones real
// brokers hand out.
func newSubscriptionID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
