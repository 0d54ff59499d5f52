package middleware

import (
	"bytes"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/twilio/twilio-go/client"
)

// ParamsKey is the context key under which validated webhook form
// parameters are stored.
const ParamsKey = "twilioParams"

// TwilioSignature rejects webhook requests whose X-Twilio-Signature does not
// match. The signed URL is rebuilt from publicBaseURL because the service
// usually sits behind a proxy or tunnel.
func TwilioSignature(authToken, publicBaseURL string) echo.MiddlewareFunc {
	validator := client.NewRequestValidator(authToken)
	base := strings.TrimRight(publicBaseURL, "/")
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			req := c.Request()
			params, err := formParams(req)
			if err != nil {
				return c.String(http.StatusBadRequest, "Failed to parse form data")
			}
			signature := req.Header.Get("X-Twilio-Signature")
			if authToken == "" || signature == "" || !validator.Validate(base+req.URL.RequestURI(), params, signature) {
				return c.String(http.StatusUnauthorized, "Invalid Twilio signature")
			}
			c.Set(ParamsKey, params)
			return next(c)
		}
	}
}

// Params returns the form parameters of a webhook request, using the copy
// stored by TwilioSignature when present.
func Params(c echo.Context) (map[string]string, error) {
	if p, ok := c.Get(ParamsKey).(map[string]string); ok {
		return p, nil
	}
	p, err := formParams(c.Request())
	if err != nil {
		return nil, err
	}
	c.Set(ParamsKey, p)
	return p, nil
}

// formParams reads the urlencoded body and puts it back for later readers.
func formParams(req *http.Request) (map[string]string, error) {
	params := make(map[string]string)
	if req.Body == nil || req.Method == http.MethodGet {
		return params, nil
	}
	body, err := io.ReadAll(req.Body)
	if err != nil {
		return nil, err
	}
	req.Body = io.NopCloser(bytes.NewReader(body))
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, err
	}
	for key, values := range form {
		if len(values) > 0 {
			params[key] = values[0]
		}
	}
	return params, nil
}
