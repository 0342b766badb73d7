package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"github.com/elastic/go-elasticsearch/v7"
	"github.com/elastic/go-elasticsearch/v7/esapi"
	"github.com/valyala/fastjson"
	"k8s.io/apimachinery/pkg/util/wait"

	pkghttp "github.com/orgsearch/tenant-index/pkg/http"
	"github.com/orgsearch/tenant-index/pkg/logger"
)

type ElasticOpts struct {
	Addresses []string
	Username  string
	Password  string
	APIKey    string

	HTTP pkghttp.ClientOpts

	// Backoff controls retries of transient failures.  Zero uses DefaultBackoff.
	Backoff wait.Backoff

	// TaskPollInterval is how often a running reindex task is polled.  Defaults to 2s.
	TaskPollInterval time.Duration

	// Transport overrides the http transport, mainly for tests.
	Transport http.RoundTripper
}

var _ Gateway = (*Elastic)(nil)

// healthWaitTimeout is how long one health request waits server side for the index to reach yellow.
const healthWaitTimeout = 5 * time.Second

// Elastic implements Gateway on top of the Elasticsearch 7.x REST API.
type Elastic struct {
	es               *elasticsearch.Client
	backoff          wait.Backoff
	taskPollInterval time.Duration
}

func NewElastic(opts ElasticOpts) (*Elastic, error) {
	if len(opts.Addresses) == 0 {
		return nil, fmt.Errorf("at least one cluster address is required")
	}

	transport := opts.Transport
	if transport == nil {
		transport = pkghttp.WithLogging(pkghttp.NewClient(opts.HTTP)).Transport
	}

	es, err := elasticsearch.NewClient(elasticsearch.Config{
		Addresses: opts.Addresses,
		Username:  opts.Username,
		Password:  opts.Password,
		APIKey:    opts.APIKey,
		Transport: transport,
		// Retries are handled here so every call shares one backoff policy.
		DisableRetry: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create elasticsearch client: %w", err)
	}

	backoff := opts.Backoff
	if backoff.Steps == 0 {
		backoff = DefaultBackoff
	}
	poll := opts.TaskPollInterval
	if poll == 0 {
		poll = 2 * time.Second
	}

	return &Elastic{es: es, backoff: backoff, taskPollInterval: poll}, nil
}

// do performs the request built by newReq, retrying transient failures.  newReq is called once per attempt
// because request bodies are consumed.  On an engine error the response body is returned alongside the error.
func (e *Elastic) do(ctx context.Context, desc string, newReq func() esapi.Request) ([]byte, error) {
	var body []byte
	err := retry(ctx, e.backoff, desc, func() error {
		var err error
		body, err = e.once(ctx, newReq())
		return err
	})
	return body, err
}

func (e *Elastic) once(ctx context.Context, req esapi.Request) ([]byte, error) {
	res, err := req.Do(ctx, e.es)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("%w: %v", ErrClusterUnavailable, err)
	}
	defer res.Body.Close()

	body, err := io.ReadAll(res.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrClusterUnavailable, err)
	}

	if res.IsError() {
		return body, parseError(res.StatusCode, body)
	}
	return body, nil
}

func (e *Elastic) CreateIndex(ctx context.Context, name string, spec IndexSpec) error {
	req := map[string]any{}
	if len(spec.Settings) > 0 {
		req["settings"] = spec.Settings
	}
	if len(spec.Mappings) > 0 {
		req["mappings"] = spec.Mappings
	}
	if len(spec.Aliases) > 0 {
		aliases := make(map[string]struct{}, len(spec.Aliases))
		for _, a := range spec.Aliases {
			aliases[a] = struct{}{}
		}
		req["aliases"] = aliases
	}

	b, err := json.Marshal(req)
	if err != nil {
		return err
	}

	_, err = e.do(ctx, "create index "+name, func() esapi.Request {
		return esapi.IndicesCreateRequest{Index: name, Body: bytes.NewReader(b)}
	})
	return err
}

func (e *Elastic) AliasTargets(ctx context.Context, alias string) ([]string, error) {
	body, err := e.do(ctx, "get alias "+alias, func() esapi.Request {
		return esapi.IndicesGetAliasRequest{Name: []string{alias}}
	})
	if IsNotFound(err) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}

	v, err := fastjson.ParseBytes(body)
	if err != nil {
		return nil, fmt.Errorf("decode alias %s: %w", alias, err)
	}
	obj, err := v.Object()
	if err != nil {
		return nil, fmt.Errorf("decode alias %s: %w", alias, err)
	}

	var targets []string
	obj.Visit(func(index []byte, _ *fastjson.Value) {
		targets = append(targets, string(index))
	})
	sort.Strings(targets)
	return targets, nil
}

func (e *Elastic) UpdateAliases(ctx context.Context, actions []AliasAction) error {
	if len(actions) == 0 {
		return nil
	}

	type target struct {
		Index string `json:"index"`
		Alias string `json:"alias"`
	}
	req := struct {
		Actions []map[AliasOp]target `json:"actions"`
	}{}
	for _, a := range actions {
		req.Actions = append(req.Actions, map[AliasOp]target{a.Op: {Index: a.Index, Alias: a.Alias}})
	}

	b, err := json.Marshal(req)
	if err != nil {
		return err
	}

	body, err := e.do(ctx, "update aliases", func() esapi.Request {
		return esapi.IndicesUpdateAliasesRequest{Body: bytes.NewReader(b)}
	})
	if err != nil {
		return err
	}
	return acknowledged(body, "update aliases")
}

func (e *Elastic) Bulk(ctx context.Context, ops []BulkOp) ([]BulkItem, error) {
	if len(ops) == 0 {
		return nil, nil
	}

	b, err := encodeBulk(ops)
	if err != nil {
		return nil, err
	}

	body, err := e.do(ctx, "bulk", func() esapi.Request {
		return esapi.BulkRequest{Body: bytes.NewReader(b)}
	})
	if err != nil {
		return nil, err
	}
	return decodeBulk(body, ops)
}

// Reindex starts a server side reindex task and polls it to completion.  If ctx ends first the task is
// cancelled on the cluster so no copy keeps running behind the caller's back.
func (e *Elastic) Reindex(ctx context.Context, src, dst string) (ReindexResult, error) {
	b, err := json.Marshal(map[string]any{
		"conflicts": "proceed",
		"source":    map[string]any{"index": src},
		"dest":      map[string]any{"index": dst, "op_type": "create"},
	})
	if err != nil {
		return ReindexResult{}, err
	}

	// Not retried: a start that failed after the cluster accepted it would run a second copy.
	async, refresh := false, true
	body, err := e.once(ctx, esapi.ReindexRequest{
		Body:              bytes.NewReader(b),
		WaitForCompletion: &async,
		Refresh:           &refresh,
		Slices:            "auto",
	})
	if err != nil {
		return ReindexResult{}, fmt.Errorf("reindex %s -> %s: %w", src, dst, err)
	}

	taskID := string(fastjson.GetBytes(body, "task"))
	if taskID == "" {
		return ReindexResult{}, fmt.Errorf("reindex %s -> %s: response has no task id", src, dst)
	}
	logger.Infof("Reindex %s -> %s running as task %s", src, dst, taskID)

	var (
		result    ReindexResult
		completed bool
	)
	err = wait.PollUntilContextCancel(ctx, e.taskPollInterval, true, func(ctx context.Context) (bool, error) {
		body, err := e.do(ctx, "get task "+taskID, func() esapi.Request {
			return esapi.TasksGetRequest{TaskID: taskID}
		})
		if err != nil {
			return false, err
		}

		v, err := fastjson.ParseBytes(body)
		if err != nil {
			return false, fmt.Errorf("decode task %s: %w", taskID, err)
		}
		if !v.GetBool("completed") {
			return false, nil
		}
		completed = true

		if ev := v.Get("error"); ev != nil {
			te := &Error{Status: http.StatusInternalServerError}
			parseErrorValue(ev, te)
			return false, te
		}

		resp := v.Get("response")
		if failures := resp.GetArray("failures"); len(failures) > 0 {
			fe := &Error{Status: failures[0].GetInt("status")}
			parseErrorValue(failures[0].Get("cause"), fe)
			return false, fmt.Errorf("reindex %s -> %s: %d failures, first: %w", src, dst, len(failures), fe)
		}

		result = ReindexResult{
			Total:            resp.GetInt64("total"),
			Created:          resp.GetInt64("created"),
			VersionConflicts: resp.GetInt64("version_conflicts"),
		}
		return true, nil
	})

	if err == nil {
		return result, nil
	}
	// A task we stopped watching must not keep copying behind the caller's back.
	if !completed {
		e.cancelTask(taskID)
	}
	if ctx.Err() != nil {
		return ReindexResult{}, fmt.Errorf("reindex %s -> %s: %w", src, dst, ctx.Err())
	}
	return ReindexResult{}, err
}

func (e *Elastic) cancelTask(taskID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if _, err := e.once(ctx, esapi.TasksCancelRequest{TaskID: taskID}); err != nil {
		logger.Warnf("Failed to cancel reindex task %s: %s", taskID, err)
		return
	}
	logger.Infof("Cancelled reindex task %s", taskID)
}

func (e *Elastic) DeleteIndex(ctx context.Context, name string) error {
	_, err := e.do(ctx, "delete index "+name, func() esapi.Request {
		return esapi.IndicesDeleteRequest{Index: []string{name}}
	})
	return err
}

func (e *Elastic) Health(ctx context.Context, index string) (HealthStatus, error) {
	body, err := e.do(ctx, "cluster health", func() esapi.Request {
		req := esapi.ClusterHealthRequest{WaitForStatus: string(HealthYellow), Timeout: healthWaitTimeout}
		if index != "" {
			req.Index = []string{index}
		}
		return req
	})
	// A health request that times out waiting still reports the current status.
	if err != nil && !(IsRequestTimeout(err) && len(body) > 0) {
		return "", err
	}

	status := HealthStatus(fastjson.GetString(body, "status"))
	switch status {
	case HealthRed, HealthYellow, HealthGreen:
		return status, nil
	}
	return "", fmt.Errorf("unexpected cluster health status %q", status)
}

func (e *Elastic) ListIndices(ctx context.Context) ([]string, error) {
	body, err := e.do(ctx, "list indices", func() esapi.Request {
		return esapi.CatIndicesRequest{Format: "json", H: []string{"index"}, ExpandWildcards: "open,closed"}
	})
	if err != nil {
		return nil, err
	}

	v, err := fastjson.ParseBytes(body)
	if err != nil {
		return nil, fmt.Errorf("decode indices: %w", err)
	}

	rows, err := v.Array()
	if err != nil {
		return nil, fmt.Errorf("decode indices: %w", err)
	}

	names := make([]string, 0, len(rows))
	for _, row := range rows {
		if name := string(row.GetStringBytes("index")); name != "" {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	return names, nil
}

func (e *Elastic) Get(ctx context.Context, index, id string) (json.RawMessage, error) {
	body, err := e.do(ctx, "get document", func() esapi.Request {
		return esapi.GetRequest{Index: index, DocumentID: id}
	})
	if IsNotFound(err) && strings.Contains(string(body), `"found":false`) {
		return nil, fmt.Errorf("%w: %s/%s", ErrDocumentNotFound, index, id)
	} else if err != nil {
		return nil, err
	}

	v, err := fastjson.ParseBytes(body)
	if err != nil {
		return nil, fmt.Errorf("decode document %s/%s: %w", index, id, err)
	}
	src := v.Get("_source")
	if src == nil {
		return nil, fmt.Errorf("%w: %s/%s", ErrDocumentNotFound, index, id)
	}
	return json.RawMessage(src.MarshalTo(nil)), nil
}

func (e *Elastic) Refresh(ctx context.Context, index string) error {
	_, err := e.do(ctx, "refresh "+index, func() esapi.Request {
		return esapi.IndicesRefreshRequest{Index: []string{index}}
	})
	return err
}

// IsRequestTimeout reports whether the engine gave up waiting on a condition (HTTP 408).
func IsRequestTimeout(err error) bool {
	var e *Error
	return errors.As(err, &e) && e.Status == http.StatusRequestTimeout
}

func acknowledged(body []byte, desc string) error {
	if !fastjson.GetBool(body, "acknowledged") {
		return fmt.Errorf("%s: request was not acknowledged", desc)
	}
	return nil
}
