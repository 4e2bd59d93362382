// Package ctfd is a thin client for the CTFd REST API, used to push the
// finalized challenge report onto a scoreboard.
package ctfd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"

	"github.com/ctfforge/ctfforge/internal/config"
)

const name = "github.com/ctfforge/ctfforge/internal/ctfd"

var tracer = otel.Tracer(name)

type Client struct {
	baseURL string
	token   string
	client  *http.Client
}

func Create(credentials *config.CTFdConfig) *Client {
	client := retryablehttp.NewClient()
	client.RetryMax = 3

	return &Client{
		baseURL: credentials.URL,
		token:   credentials.Token,
		client:  client.StandardClient(),
	}
}

// envelope is CTFd's standard response wrapper.
type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

func (c *Client) do(
	ctx context.Context,
	method string,
	path string,
	contentType string,
	body io.Reader,
	out any,
) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Token "+c.token)
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		detail, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return fmt.Errorf("%s %s: status %d: %s", method, path, resp.StatusCode, detail)
	}

	var wrapper envelope
	if err := json.NewDecoder(resp.Body).Decode(&wrapper); err != nil {
		return fmt.Errorf("%s %s: decode response: %w", method, path, err)
	}
	if !wrapper.Success {
		return fmt.Errorf("%s %s: api reported failure", method, path)
	}
	if out != nil {
		return json.Unmarshal(wrapper.Data, out)
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, path string, payload any, out any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return c.do(ctx, http.MethodPost, path, "application/json", bytes.NewReader(body), out)
}

type Challenge struct {
	ID             int    `json:"id,omitempty"`
	Name           string `json:"name"`
	Category       string `json:"category"`
	Description    string `json:"description"`
	Value          int    `json:"value"`
	Type           string `json:"type"`
	State          string `json:"state"`
	ConnectionInfo string `json:"connection_info,omitempty"`
}

func (c *Client) CreateChallenge(ctx context.Context, ch *Challenge) (int, error) {
	ctx, span := tracer.Start(ctx, "CreateChallenge")
	defer span.End()

	span.SetAttributes(attribute.String("challenge", ch.Name))

	if ch.Type == "" {
		ch.Type = "standard"
	}
	if ch.State == "" {
		ch.State = "visible"
	}

	var created Challenge
	if err := c.postJSON(ctx, "/api/v1/challenges", ch, &created); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create challenge")
		return 0, err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "created challenge")
	return created.ID, nil
}

type flagPayload struct {
	ChallengeID int    `json:"challenge_id"`
	Content     string `json:"content"`
	Type        string `json:"type"`
	Data        string `json:"data,omitempty"`
}

// AddFlag registers one accepted flag. flagType is "static" or "regex";
// caseInsensitive maps onto CTFd's flag data field.
func (c *Client) AddFlag(
	ctx context.Context,
	challengeID int,
	content string,
	flagType string,
	caseInsensitive bool,
) error {
	ctx, span := tracer.Start(ctx, "AddFlag")
	defer span.End()

	span.SetAttributes(attribute.Int("challenge.id", challengeID))

	payload := flagPayload{
		ChallengeID: challengeID,
		Content:     content,
		Type:        flagType,
	}
	if caseInsensitive {
		payload.Data = "case_insensitive"
	}

	if err := c.postJSON(ctx, "/api/v1/flags", payload, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to add flag")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "added flag")
	return nil
}

type hintPayload struct {
	ChallengeID int    `json:"challenge_id"`
	Content     string `json:"content"`
	Cost        int    `json:"cost"`
}

func (c *Client) AddHint(ctx context.Context, challengeID int, content string, cost int) error {
	ctx, span := tracer.Start(ctx, "AddHint")
	defer span.End()

	span.SetAttributes(attribute.Int("challenge.id", challengeID))

	payload := hintPayload{ChallengeID: challengeID, Content: content, Cost: cost}
	if err := c.postJSON(ctx, "/api/v1/hints", payload, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to add hint")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "added hint")
	return nil
}

// UploadFile attaches a local file to a challenge as a player download.
func (c *Client) UploadFile(ctx context.Context, challengeID int, path string) error {
	ctx, span := tracer.Start(ctx, "UploadFile")
	defer span.End()

	span.SetAttributes(
		attribute.Int("challenge.id", challengeID),
		attribute.String("path", path),
	)

	file, err := os.Open(path)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to open attachment")
		return err
	}
	defer file.Close()

	var body bytes.Buffer
	form := multipart.NewWriter(&body)
	part, err := form.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build form")
		return err
	}
	if _, err := io.Copy(part, file); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to read attachment")
		return err
	}
	if err := form.WriteField("challenge_id", strconv.Itoa(challengeID)); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build form")
		return err
	}
	if err := form.WriteField("type", "challenge"); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to build form")
		return err
	}
	if err := form.Close(); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to finish form")
		return err
	}

	err = c.do(ctx, http.MethodPost, "/api/v1/files", form.FormDataContentType(), &body, nil)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to upload file")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "uploaded file")
	return nil
}

type teamPayload struct {
	Name     string `json:"name"`
	Password string `json:"password"`
	Email    string `json:"email,omitempty"`
}

// CreateTeam registers a team account with the given password.
func (c *Client) CreateTeam(ctx context.Context, teamName, password string) error {
	ctx, span := tracer.Start(ctx, "CreateTeam")
	defer span.End()

	span.SetAttributes(attribute.String("team", teamName))

	payload := teamPayload{Name: teamName, Password: password}
	if err := c.postJSON(ctx, "/api/v1/teams", payload, nil); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "failed to create team")
		return err
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "created team")
	return nil
}
