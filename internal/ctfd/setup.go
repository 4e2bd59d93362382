package ctfd

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/ctfforge/ctfforge/internal/attach"
	"github.com/ctfforge/ctfforge/internal/challenge"
	"github.com/ctfforge/ctfforge/internal/config"
	"github.com/ctfforge/ctfforge/internal/container"
	"github.com/ctfforge/ctfforge/internal/logger"
	"github.com/ctfforge/ctfforge/internal/ports"
)

// Credentials for one provisioned team account.
type TeamCredential struct {
	Name     string `json:"name"     yaml:"name"`
	Password string `json:"password" yaml:"password"`
}

// Setup pushes the full challenge set onto a CTFd instance: challenge
// entries with connection info derived from the port allocation, accepted
// flags, hints, packaged attachments, and one team per virtual host with
// a generated password. Returned credentials are the only copy.
func Setup(
	ctx context.Context,
	client *Client,
	set []*challenge.Challenge,
	hosts []container.Host,
	cfg *config.Config,
	outputDir string,
) ([]TeamCredential, error) {
	ctx, span := tracer.Start(ctx, "Setup", trace.WithAttributes(
		attribute.Int("challenges", len(set)),
		attribute.Int("teams", len(hosts)),
	))
	defer span.End()

	names := make([]string, 0, len(set))
	for _, ch := range set {
		names = append(names, ch.Name)
	}
	blocks, err := ports.Allocate(names, cfg.Ports.BlockSize, cfg.Ports.BasePort)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "port allocation rejected")
		return nil, err
	}

	for _, ch := range set {
		if err := pushChallenge(ctx, client, ch, hosts, blocks[ch.Name], outputDir); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to push challenge")
			return nil, fmt.Errorf("push %s: %w", ch.Name, err)
		}
	}

	credentials := make([]TeamCredential, 0, len(hosts))
	for _, host := range hosts {
		credential := TeamCredential{Name: host.Name, Password: uuid.NewString()}
		if err := client.CreateTeam(ctx, credential.Name, credential.Password); err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, "failed to create team")
			return nil, fmt.Errorf("create team %s: %w", host.Name, err)
		}
		credentials = append(credentials, credential)
	}

	span.RecordError(nil)
	span.SetStatus(codes.Ok, "pushed challenge set")
	return credentials, nil
}

func pushChallenge(
	ctx context.Context,
	client *Client,
	ch *challenge.Challenge,
	hosts []container.Host,
	block ports.Block,
	outputDir string,
) error {
	entry := &Challenge{
		Name:     ch.Name,
		Category: ch.Category,
		Value:    ch.Value,
	}

	// Connection info shows the first public port; every host serves the
	// same port numbers, so any host's address is representative.
	if assignments, err := ports.AssignPublic(block, ch); err == nil &&
		len(assignments) > 0 && len(hosts) > 0 {
		first := assignments[0]
		entry.ConnectionInfo = first.Declared.ConnectionString(
			hosts[0].Address,
			first.PublicPort,
		)
	}

	challengeID, err := client.CreateChallenge(ctx, entry)
	if err != nil {
		return err
	}

	for flagIndex := range ch.Flags {
		flag := &ch.Flags[flagIndex]
		content, err := flag.Resolve(nil)
		if err != nil {
			// Env-bound flags only exist per deployed instance; the
			// scoreboard cannot check them statically.
			logger.Logger.WarnContext(ctx, "skipping unresolvable flag",
				"challenge", ch.Name, "env", flag.Env)
			continue
		}
		err = client.AddFlag(ctx, challengeID, content, string(flag.Type()), !flag.CaseSensitive)
		if err != nil {
			return err
		}
	}

	for _, hint := range ch.Hints {
		if err := client.AddHint(ctx, challengeID, hint.Text, hint.Cost); err != nil {
			return err
		}
	}

	if len(ch.Attachments) > 0 {
		staged, err := attach.Package(ctx, ch, outputDir)
		if err != nil {
			return err
		}
		for _, path := range staged {
			if err := client.UploadFile(ctx, challengeID, path); err != nil {
				return err
			}
		}
	}

	return nil
}
