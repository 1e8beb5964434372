// Package twopark implements a client for the 2Park parking-management
// web API. Every operation is one form-encoded POST returning a JSON
// envelope whose status.code.major field is "OK" on success. Login
// state is a session cookie, so the client carries a cookie jar and
// must Authenticate before any product call succeeds.
package twopark

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"net/url"
	"regexp"
	"strings"
	"time"

	"golang.org/x/net/publicsuffix"

	"github.com/nugget/park2mqtt/internal/config"
	"github.com/nugget/park2mqtt/internal/httpkit"
)

const apiPrefix = "/gsmpark-app-www/json/"

// timeLayout is the datetime format the API expects for action
// parameters (DD-MM-YYYY HH:MM:SS).
const timeLayout = "02-01-2006 15:04:05"

// locationFallbackRe derives a location from a product ID when the
// parameter groups don't carry one: BDABZRG_1317$... → BDA1317.
var locationFallbackRe = regexp.MustCompile(`^(BDA)\w+_(\d+)\$`)

// Client is a 2Park API client. Safe for concurrent use; the session
// cookie lives in the underlying jar.
type Client struct {
	baseURL    string
	locale     string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a 2Park client for the given base URL (scheme and
// host, no trailing slash) and locale.
func NewClient(baseURL, locale string, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}

	jar, err := cookiejar.New(&cookiejar.Options{PublicSuffixList: publicsuffix.List})
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}

	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		locale:  locale,
		httpClient: httpkit.NewClient(
			httpkit.WithTimeout(30*time.Second),
			httpkit.WithRetry(2, 2*time.Second),
			httpkit.WithJar(jar),
			httpkit.WithLogger(logger),
		),
		logger: logger,
	}, nil
}

// postForm performs one round trip to an endpoint and decodes the
// envelope. Transport failures and undecodable responses surface as
// *ConnError; envelope status interpretation is left to the caller
// since it differs per endpoint.
func (c *Client) postForm(ctx context.Context, endpoint string, form url.Values) (*envelope, error) {
	form.Set("locale", c.locale)
	body := form.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.baseURL+apiPrefix+endpoint, strings.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build request %s: %w", endpoint, err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ConnError{Op: endpoint, Err: err}
	}
	defer httpkit.DrainAndClose(resp.Body, 4096)

	if resp.StatusCode != http.StatusOK {
		errBody := httpkit.ReadErrorBody(resp.Body, 512)
		return nil, &ConnError{
			Op:  endpoint,
			Err: fmt.Errorf("HTTP %d: %s", resp.StatusCode, errBody),
		}
	}

	var env envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, &ConnError{Op: endpoint, Err: fmt.Errorf("decode response: %w", err)}
	}

	c.logger.Log(ctx, config.LevelTrace, "2park response",
		"endpoint", endpoint,
		"major", env.Status.Code.Major,
		"message", env.Status.Message,
	)

	return &env, nil
}

// Authenticate logs in with the account credentials, establishing the
// session cookie used by all subsequent calls. A non-OK envelope means
// the credentials were rejected.
func (c *Client) Authenticate(ctx context.Context, email, password string) error {
	env, err := c.postForm(ctx, "check_credentials.json", url.Values{
		"email":    {email},
		"password": {password},
	})
	if err != nil {
		return err
	}

	if env.Status.Code.Major != "OK" {
		c.logger.Warn("2park authentication rejected", "message", env.Status.Message)
		return &AuthError{Message: env.Status.Message}
	}

	c.logger.Debug("2park authenticated", "email", email)
	return nil
}

// GetCategories fetches the account's categories and flattens the
// category → product hierarchy into a single ordered product list.
// Each product's Location is resolved from its parameter groups, with
// a product-ID derivation as fallback.
func (c *Client) GetCategories(ctx context.Context) ([]Product, error) {
	env, err := c.postForm(ctx, "get_categories.json", url.Values{})
	if err != nil {
		return nil, err
	}
	if env.Status.Code.Major != "OK" {
		// The session has expired (or was never established).
		return nil, &AuthError{Message: env.Status.Message}
	}

	var data categoriesData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return nil, &ConnError{Op: "get_categories.json", Err: fmt.Errorf("decode data: %w", err)}
	}

	var products []Product
	for _, category := range data.Categories {
		for _, wp := range category.Products {
			p := wp.Product
			p.Location = extractLocation(wp)
			products = append(products, p)
		}
	}
	return products, nil
}

// GetProductDetails fetches the member and identification lists for a
// product.
func (c *Client) GetProductDetails(ctx context.Context, productID string) (ProductDetails, error) {
	env, err := c.postForm(ctx, "get_category_product_details.json", url.Values{
		"product_id": {productID},
	})
	if err != nil {
		return ProductDetails{}, err
	}
	if env.Status.Code.Major != "OK" {
		return ProductDetails{}, &AuthError{Message: env.Status.Message}
	}

	var details ProductDetails
	if err := json.Unmarshal(env.Data, &details); err != nil {
		return ProductDetails{}, &ConnError{Op: "get_category_product_details.json", Err: fmt.Errorf("decode data: %w", err)}
	}
	return details, nil
}

// GetBalance fetches the balance for a product.
func (c *Client) GetBalance(ctx context.Context, productID string) (Balance, error) {
	env, err := c.postForm(ctx, "get_balance.json", url.Values{
		"product_id": {productID},
	})
	if err != nil {
		return Balance{}, err
	}
	if env.Status.Code.Major != "OK" {
		return Balance{}, &AuthError{Message: env.Status.Message}
	}

	var data balanceData
	if err := json.Unmarshal(env.Data, &data); err != nil {
		return Balance{}, &ConnError{Op: "get_balance.json", Err: fmt.Errorf("decode data: %w", err)}
	}
	return data.Balance, nil
}

// actionEnvelope is the JSON-encoded "data" form field sent to
// start_action.
type actionEnvelope struct {
	Action struct {
		Parameters []Param `json:"atn_parameters"`
	} `json:"action"`
}

// StartAction starts a parking session for a plate. timeStart may be
// empty, in which case the current time is used. A non-OK envelope is
// a business failure (*APIError) carrying the remote message.
func (c *Client) StartAction(ctx context.Context, productID, licensePlate, timeEnd, location, timeStart string) error {
	if timeStart == "" {
		timeStart = time.Now().Format(timeLayout)
	}

	var action actionEnvelope
	action.Action.Parameters = []Param{
		{Label: "MBR_IDENT", Value: licensePlate},
		{Label: "TIMESTART", Value: timeStart},
		{Label: "TIMEEND", Value: timeEnd},
		{Label: "LOCATION", Value: location},
	}
	data, err := json.Marshal(action)
	if err != nil {
		return fmt.Errorf("encode action data: %w", err)
	}

	env, err := c.postForm(ctx, "start_action.json", url.Values{
		"product_id": {productID},
		"data":       {string(data)},
	})
	if err != nil {
		return err
	}

	if env.Status.Code.Major != "OK" {
		return &APIError{Op: "start_action", Message: statusMessage(env)}
	}

	c.logger.Info("parking session started",
		"product_id", productID,
		"license_plate", licensePlate,
		"time_end", timeEnd,
	)
	return nil
}

// StopAction stops a running parking session by its action ID.
func (c *Client) StopAction(ctx context.Context, productID, actionID string) error {
	env, err := c.postForm(ctx, "stop_action.json", url.Values{
		"action_id":  {actionID},
		"product_id": {productID},
	})
	if err != nil {
		return err
	}

	if env.Status.Code.Major != "OK" {
		return &APIError{Op: "stop_action", Message: statusMessage(env)}
	}

	c.logger.Info("parking session stopped",
		"product_id", productID,
		"action_id", actionID,
	)
	return nil
}

// Ping checks whether the service is reachable at all. Any HTTP
// response counts; only transport failures are errors. Used by
// connwatch for health monitoring.
func (c *Client) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &ConnError{Op: "ping", Err: err}
	}
	httpkit.DrainAndClose(resp.Body, 4096)
	return nil
}

func statusMessage(env *envelope) string {
	if env.Status.Message == "" {
		return "unknown error"
	}
	return env.Status.Message
}

// extractLocation resolves the LOCATION default from a product's
// parameter groups, falling back to a derivation from the product ID.
// Returns "" when neither source yields a value.
func extractLocation(wp wireProduct) string {
	for _, group := range wp.ParameterGroups {
		for _, param := range group.Parameters {
			if param.Label == "LOCATION" && param.Value != "" {
				return param.Value
			}
		}
	}

	if m := locationFallbackRe.FindStringSubmatch(wp.ID); m != nil {
		return m[1] + m[2]
	}
	return ""
}
