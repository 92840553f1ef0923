package mailer

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"math/rand"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

/*
	Client for the mailer app which sends the actual alert emails. The
	payload is a JSON document wrapped in an HMAC-SHA256 envelope keyed by a
	secret shared with the app.
*/

// Client posts alert emails to a mailer app.
type Client struct {
	HTTP   *http.Client
	URL    string // Base URL of the mailer app, e.g. https://.../mailer.
	Secret string
}

// envelope is the signed wrapper the mailer app expects.
type envelope struct {
	Message string  `json:"message"`
	Time    float64 `json:"time"`
	Salt    uint32  `json:"salt"`
	URL     string  `json:"url"`
	HMAC    string  `json:"hmac-sha256"`
}

// sign computes the envelope for a serialized message.
func (c *Client) sign(message, endpoint string, now float64, salt uint32) envelope {
	h := hmac.New(sha256.New, []byte(c.Secret))
	h.Write([]byte(message))
	h.Write([]byte(strconv.FormatFloat(now, 'f', -1, 64)))
	h.Write([]byte(strconv.FormatUint(uint64(salt), 10)))
	return envelope{
		Message: message,
		Time:    now,
		Salt:    salt,
		URL:     endpoint,
		HMAC:    hex.EncodeToString(h.Sum(nil)),
	}
}

// Send posts one alert email. The payload is marshaled with sorted keys (a
// map's JSON encoding is sorted), so identical failures serialize
// identically and can be deduplicated upstream.
func (c *Client) Send(ctx context.Context, payload map[string]interface{}) error {
	message, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("Failed to encode email payload: %s", err)
	}
	endpoint := c.URL + "/email"
	env := c.sign(string(message), endpoint, float64(time.Now().UnixNano())/1e9, rand.Uint32())
	data, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("Failed to encode email envelope: %s", err)
	}
	form := url.Values{"json": {string(data)}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("Failed to connect to email app: %s", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("Error connecting to email app: code %d", resp.StatusCode)
	}
	return nil
}
