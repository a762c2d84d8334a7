package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/senzing-garage/data-mart-replicator/common"
)

// wireEntityView is the JSON shape returned by the engine's entity
// lookup endpoint.
type wireEntityView struct {
	EntityID   int64  `json:"entity_id"`
	EntityName string `json:"entity_name"`
	Hash       string `json:"entity_hash"`
	Members    []struct {
		DataSource string `json:"data_source"`
		RecordID   string `json:"record_id"`
	} `json:"records"`
	Relations []struct {
		RelatedID  int64  `json:"related_id"`
		MatchLevel int    `json:"match_level"`
		MatchKey   string `json:"match_key"`
		Principle  string `json:"principle"`
	} `json:"relations"`
}

type wireError struct {
	Error  string `json:"error"`
	Reason string `json:"reason"`
}

type wireVersion struct {
	ConfigID     string `json:"config_id"`
	InstanceName string `json:"instance_name"`
}

// HTTPRepository is a Repository backed by the engine's JSON-over-
// HTTP accessor endpoint, mirroring the document-fetch idiom the teacher
// uses for its external document store.
type HTTPRepository struct {
	baseURL    string
	instance   string
	httpClient *http.Client

	// Verbose mirrors spec.md §6's core-log-level option ("verbose"/"1"
	// enable it, "muted"/"0" leave it false): when set, every request this
	// repository makes is logged at debug level with its endpoint and
	// outcome. Nil-safe default is false (muted).
	Verbose bool

	logger *common.ContextLogger
}

// NewHTTPRepository builds an HTTPRepository pointed at baseURL (no
// trailing slash) tagged with the configured core-instance-name.
func NewHTTPRepository(baseURL, instanceName string, timeout time.Duration) *HTTPRepository {
	return &HTTPRepository{
		baseURL:  baseURL,
		instance: instanceName,
		httpClient: &http.Client{
			Timeout: timeout,
		},
		logger: common.NewContextLogger(common.Logger, map[string]interface{}{"component": "engine", "subcomponent": "httprepository"}),
	}
}

// ParseVerbose maps spec.md §6's core-log-level values ("muted", "verbose",
// "0", "1") to the Verbose bool. Any other value is treated as muted.
func ParseVerbose(level string) bool {
	switch level {
	case "verbose", "1":
		return true
	default:
		return false
	}
}

func (r *HTTPRepository) logRequest(endpoint string, err error) {
	if !r.Verbose {
		return
	}
	fields := map[string]interface{}{"endpoint": endpoint}
	if err != nil {
		r.logger.WithFields(fields).WithError(err).Debug("engine accessor request failed")
		return
	}
	r.logger.WithFields(fields).Debug("engine accessor request succeeded")
}

// FetchEntity implements Repository.
func (r *HTTPRepository) FetchEntity(ctx context.Context, entityID int64) (EntityView, error) {
	endpoint := fmt.Sprintf("%s/entities/%s?instance=%s",
		r.baseURL, strconv.FormatInt(entityID, 10), url.QueryEscape(r.instance))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return EntityView{}, fmt.Errorf("%w: building request: %s", ErrUnavailable, err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logRequest(endpoint, err)
		return EntityView{}, wrapUnavailable(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		r.logRequest(endpoint, nil)
		return EntityView{}, wrapNotFound(entityID)
	}
	if resp.StatusCode != http.StatusOK {
		var wireErr wireError
		if err := json.NewDecoder(resp.Body).Decode(&wireErr); err == nil && wireErr.Error != "" {
			err := wrapUnavailable(fmt.Sprintf("%s: %s", wireErr.Error, wireErr.Reason))
			r.logRequest(endpoint, err)
			return EntityView{}, err
		}
		err := wrapUnavailable(fmt.Sprintf("unexpected status code %d", resp.StatusCode))
		r.logRequest(endpoint, err)
		return EntityView{}, err
	}

	var wire wireEntityView
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return EntityView{}, fmt.Errorf("%w: decoding entity view: %s", ErrUnavailable, err)
	}
	r.logRequest(endpoint, nil)

	view := EntityView{
		EntityID:   wire.EntityID,
		EntityName: wire.EntityName,
		Hash:       wire.Hash,
		Members:    make([]RecordMember, 0, len(wire.Members)),
		Relations:  make([]RelationMember, 0, len(wire.Relations)),
	}
	for _, m := range wire.Members {
		view.Members = append(view.Members, RecordMember{DataSource: m.DataSource, RecordID: m.RecordID})
	}
	for _, rel := range wire.Relations {
		view.Relations = append(view.Relations, RelationMember{
			RelatedID:  rel.RelatedID,
			MatchLevel: rel.MatchLevel,
			MatchKey:   rel.MatchKey,
			Principle:  rel.Principle,
		})
	}
	return view, nil
}

// Version implements Repository.
func (r *HTTPRepository) Version(ctx context.Context) (Info, error) {
	endpoint := fmt.Sprintf("%s/version", r.baseURL)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return Info{}, fmt.Errorf("%w: building request: %s", ErrUnavailable, err)
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		r.logRequest(endpoint, err)
		return Info{}, wrapUnavailable(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		err := wrapUnavailable(fmt.Sprintf("unexpected status code %d", resp.StatusCode))
		r.logRequest(endpoint, err)
		return Info{}, err
	}

	var wire wireVersion
	if err := json.NewDecoder(resp.Body).Decode(&wire); err != nil {
		return Info{}, fmt.Errorf("%w: decoding version: %s", ErrUnavailable, err)
	}
	r.logRequest(endpoint, nil)
	return Info{ConfigID: wire.ConfigID, InstanceName: wire.InstanceName}, nil
}
