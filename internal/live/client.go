package live

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sync"
	"time"

	"decoderd/pkg/types"
)

// DefaultBaseURL is the scheduling API root.
const DefaultBaseURL = "https://api.planningcenteronline.com/services/v2"

const requestTimeout = 10 * time.Second

// apiDocument is one JSON:API response body.
type apiDocument struct {
	Data     json.RawMessage `json:"data"`
	Included []apiResource   `json:"included"`
}

// apiResource is a JSON:API resource object, typed down to the attributes
// this client consumes.
type apiResource struct {
	Type          string                     `json:"type"`
	ID            string                     `json:"id"`
	Attributes    apiAttributes              `json:"attributes"`
	Relationships map[string]apiRelationship `json:"relationships"`
}

type apiAttributes struct {
	Title           string  `json:"title"`
	Dates           string  `json:"dates"`
	SortDate        string  `json:"sort_date"`
	Name            string  `json:"name"`
	Frequency       string  `json:"frequency"`
	TimeType        string  `json:"time_type"`
	StartsAt        string  `json:"starts_at"`
	EndsAt          string  `json:"ends_at"`
	ItemType        string  `json:"item_type"`
	ServicePosition string  `json:"service_position"`
	Length          float64 `json:"length"`
	Description     string  `json:"description"`
	LiveStartAt     string  `json:"live_start_at"`
}

// apiRelationship keeps data raw: it is an object for to-one relationships
// and an array for to-many.
type apiRelationship struct {
	Data json.RawMessage `json:"data"`
}

type apiRef struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (r apiRelationship) ref() *apiRef {
	if len(r.Data) == 0 || string(r.Data) == "null" {
		return nil
	}
	var ref apiRef
	if err := json.Unmarshal(r.Data, &ref); err != nil || ref.ID == "" {
		return nil
	}
	return &ref
}

func (r apiRelationship) refs() []apiRef {
	if len(r.Data) == 0 {
		return nil
	}
	var refs []apiRef
	if err := json.Unmarshal(r.Data, &refs); err != nil {
		return nil
	}
	return refs
}

// Client issues idempotent reads against the scheduling API using an
// app-id/secret basic-auth pair. Credentials are swappable at runtime.
type Client struct {
	baseURL string

	mu     sync.Mutex
	appID  string
	secret string
	http   *http.Client
}

// NewClient constructs a Client. All calls carry context deadlines, so the
// embedded http.Client has no global timeout.
func NewClient(appID, secret string) *Client {
	return &Client{
		baseURL: DefaultBaseURL,
		appID:   appID,
		secret:  secret,
		http:    &http.Client{Timeout: 0},
	}
}

// SetBaseURL overrides the API root (tests point it at a local server).
func (c *Client) SetBaseURL(u string) { c.baseURL = u }

// SetCredentials swaps the auth pair used by subsequent requests.
func (c *Client) SetCredentials(appID, secret string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.appID = appID
	c.secret = secret
}

// get fetches path with query params and decodes the JSON:API document.
// Status codes map to the package error taxonomy.
func (c *Client) get(ctx context.Context, path string, params url.Values) (*apiDocument, error) {
	ctx, cancel := context.WithTimeout(ctx, requestTimeout)
	defer cancel()

	u := c.baseURL + path
	if len(params) > 0 {
		u += "?" + params.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	req.SetBasicAuth(c.appID, c.secret)
	httpc := c.http
	c.mu.Unlock()
	req.Header.Set("Accept", "application/json")

	resp, err := httpc.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || os.IsTimeout(err) {
			return nil, ErrTransient("timeout: " + err.Error())
		}
		return nil, ErrTransient(err.Error())
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return nil, ErrAuth(resp.StatusCode)
	case resp.StatusCode == http.StatusNotFound:
		return nil, errNotFound
	case resp.StatusCode >= 500:
		return nil, ErrTransient(resp.Status)
	case resp.StatusCode != http.StatusOK:
		return nil, ErrTransient(fmt.Sprintf("unexpected status %s", resp.Status))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return nil, ErrTransient(err.Error())
	}
	var doc apiDocument
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, ErrParse(err.Error())
	}
	return &doc, nil
}

var errNotFound = errors.New("plan not found")

// ServiceTypes lists all service types visible to the credentials. Used by
// the connection test.
func (c *Client) ServiceTypes(ctx context.Context) ([]types.ServiceType, error) {
	doc, err := c.get(ctx, "/service_types", nil)
	if err != nil {
		return nil, err
	}
	var data []apiResource
	if err := json.Unmarshal(doc.Data, &data); err != nil {
		return nil, ErrParse(err.Error())
	}
	out := make([]types.ServiceType, 0, len(data))
	for _, st := range data {
		name := st.Attributes.Name
		if name == "" {
			name = "Unknown"
		}
		freq := st.Attributes.Frequency
		if freq == "" {
			freq = "Unknown"
		}
		out = append(out, types.ServiceType{ID: st.ID, Name: name, Frequency: freq})
	}
	return out, nil
}

// FolderServiceTypes resolves the service-type ids contained in a folder.
func (c *Client) FolderServiceTypes(ctx context.Context, folderID string) ([]string, error) {
	doc, err := c.get(ctx, "/folders/"+folderID+"/service_types", nil)
	if err != nil {
		return nil, err
	}
	var data []apiResource
	if err := json.Unmarshal(doc.Data, &data); err != nil {
		return nil, ErrParse(err.Error())
	}
	ids := make([]string, 0, len(data))
	for _, st := range data {
		ids = append(ids, st.ID)
	}
	return ids, nil
}

// Plans fetches a small page of plans for one service type, with their
// PlanTime resources side-loaded. filter is "future" or "past".
func (c *Client) Plans(ctx context.Context, serviceTypeID, filter, order string) ([]apiResource, []apiResource, error) {
	params := url.Values{
		"filter":   {filter},
		"order":    {order},
		"per_page": {"3"},
		"include":  {"plan_times"},
	}
	doc, err := c.get(ctx, "/service_types/"+serviceTypeID+"/plans", params)
	if err != nil {
		return nil, nil, err
	}
	var plans []apiResource
	if err := json.Unmarshal(doc.Data, &plans); err != nil {
		return nil, nil, ErrParse(err.Error())
	}
	var planTimes []apiResource
	for _, inc := range doc.Included {
		if inc.Type == "PlanTime" {
			planTimes = append(planTimes, inc)
		}
	}
	return plans, planTimes, nil
}

// Live fetches a plan's live sub-resource with its items and current item
// time side-loaded.
func (c *Client) Live(ctx context.Context, serviceTypeID, planID string) (*apiDocument, error) {
	params := url.Values{"include": {"items,current_item_time"}}
	return c.get(ctx, "/service_types/"+serviceTypeID+"/plans/"+planID+"/live", params)
}
