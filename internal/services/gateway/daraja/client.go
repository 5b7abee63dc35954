package daraja

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"net/url"
	"sync"
	"time"
)

type ClientConfig struct {
	BaseURL        string `json:"baseUrl" mapstructure:"base_url"`
	ConsumerKey    string `json:"consumerKey" mapstructure:"consumer_key"`
	ConsumerSecret string `json:"consumerSecret" mapstructure:"consumer_secret"`
}

type Client struct {
	// baseURL is the base url of the Daraja backend.
	baseURL string

	// consumerKey and consumerSecret authenticate the OAuth token request.
	consumerKey    string
	consumerSecret string

	// accessToken is used to authenticate gateway calls.
	accessToken string

	// mu is used to lock access token.
	mu sync.Mutex

	// toggleTokenRefresher is used to notify token refresher to refresh token.
	toggleTokenRefresher chan struct{}

	// hc is the http client.
	hc *http.Client
}

func newClient(_ context.Context, c *ClientConfig) *Client {
	return &Client{
		baseURL:        c.BaseURL,
		consumerKey:    c.ConsumerKey,
		consumerSecret: c.ConsumerSecret,

		// make a buffered channel to avoid blocking.
		toggleTokenRefresher: make(chan struct{}, 1),

		// set http client with timeout.
		hc: &http.Client{
			Timeout: 10 * time.Second,
		},
	}
}

// notifyAccessTokenExpired do infinite loop with period of time
// to perform auto renew token from the Daraja backend with
// exponential backOff strategy. Daraja tokens expire after one hour.
func (c *Client) notifyAccessTokenExpired(ctx context.Context) {
	ticker := time.NewTicker(50 * time.Minute)
	for {
		select {
		case <-ctx.Done():
			ticker.Stop()
			return

		case <-ticker.C:

		case <-c.toggleTokenRefresher:
			log.Println("notifyAccessTokenExpired: toggleTokenRefresher => token refreshed")
		}

		// reconnect with exponential backOff strategy
		backOff := time.Second

	Retry:
		for {
			token, err := c.connect(ctx)
			switch err {
			case nil:
				c.setAccessToken(token)

				break Retry

			default:
				log.Printf("notifyAccessTokenExpired: %v", err)

				select {
				case <-ctx.Done():
					return

				case <-time.After(backOff):
					backOff *= 2
				}
			}
		}
	}
}

// setAccessToken set access token to client.
func (c *Client) setAccessToken(accessToken string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.accessToken = accessToken
}

// getAccessToken get access token from client.
func (c *Client) getAccessToken() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.accessToken
}

// connect makes http call to perform authentication with the Daraja backend.
func (c *Client) connect(ctx context.Context) (string, error) {
	_baseURL, _ := url.Parse(c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("%s%s", _baseURL.String(), "/oauth/v1/generate?grant_type=client_credentials"), nil)
	if err != nil {
		return "", fmt.Errorf("connectDaraja: http.NewRequestWithContext: %w", err)
	}
	req.SetBasicAuth(c.consumerKey, c.consumerSecret)

	resp, err := c.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("connectDaraja: http.Do: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("connectDaraja: resp.StatusCode: %d", resp.StatusCode)
	}

	var reply struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&reply); err != nil {
		return "", fmt.Errorf("connectDaraja: json.Decode: %w", err)
	}
	if reply.AccessToken == "" {
		return "", errors.New("connectDaraja: empty access token in reply")
	}

	return fmt.Sprintf("Bearer %s", reply.AccessToken), nil
}

// pushPayload is the wire form of the stkpush process request.
type pushPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            string `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

// stkPush submits a push-initiation request to the Daraja backend.
func (c *Client) stkPush(ctx context.Context, p *pushPayload) (*STKPushResponse, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("stkPushDaraja: json.Marshal: %w", err)
	}

	_baseURL, _ := url.Parse(c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s%s", _baseURL.String(), "/mpesa/stkpush/v1/processrequest"), bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("stkPushDaraja: http.NewRequestWithContext: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.getAccessToken())

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("stkPushDaraja: http.Do: %w", err)
	}
	defer resp.Body.Close()

	// toggle token refresher if unauthorized
	if resp.StatusCode == http.StatusUnauthorized {
		c.toggleTokenRefresher <- struct{}{}
		return nil, errors.New("stkPushDaraja: resp.StatusCode: 401 => Unauthorized")
	}

	var reply STKPushResponse
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&reply); err != nil {
		return nil, fmt.Errorf("stkPushDaraja: json.Decode: %w", err)
	}
	if reply.ResponseCode != "0" {
		return nil, fmt.Errorf("stkPushDaraja: reply.ResponseCode: %v, reply.ResponseDescription: %v", reply.ResponseCode, reply.ResponseDescription)
	}

	return &reply, nil
}

// queryPayload is the wire form of the stkpushquery request.
type queryPayload struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

// queryStatus checks a transaction's result from the Daraja backend.
func (c *Client) queryStatus(ctx context.Context, p *queryPayload) (*QueryResponse, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("queryStatusDaraja: json.Marshal: %w", err)
	}

	_baseURL, _ := url.Parse(c.baseURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, fmt.Sprintf("%s%s", _baseURL.String(), "/mpesa/stkpushquery/v1/query"), bytes.NewReader(b))
	if err != nil {
		return nil, fmt.Errorf("queryStatusDaraja: http.NewRequestWithContext: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", c.getAccessToken())

	resp, err := c.hc.Do(req)
	if err != nil {
		return nil, fmt.Errorf("queryStatusDaraja: http.Do: %w", err)
	}
	defer resp.Body.Close()

	// toggle token refresher if unauthorized
	if resp.StatusCode == http.StatusUnauthorized {
		c.toggleTokenRefresher <- struct{}{}
		return nil, errors.New("queryStatusDaraja: resp.StatusCode: 401 => Unauthorized")
	}

	var reply QueryResponse
	dec := json.NewDecoder(resp.Body)
	if err := dec.Decode(&reply); err != nil {
		return nil, fmt.Errorf("queryStatusDaraja: json.Decode: %w", err)
	}
	if reply.ResponseCode != "0" {
		return nil, fmt.Errorf("queryStatusDaraja: reply.ResponseCode: %v, reply.ResponseDescription: %v", reply.ResponseCode, reply.ResponseDescription)
	}

	return &reply, nil
}
