package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/kalambet/mailscout/internal/contacts"
	"github.com/kalambet/mailscout/internal/smtpcheck"
	"github.com/kalambet/mailscout/internal/storage"
)

// MCPVerifier checks a single address over SMTP.
type MCPVerifier interface {
	Verify(ctx context.Context, email string) smtpcheck.Result
}

// MCPFinder enriches a single contact.
type MCPFinder interface {
	Enrich(ctx context.Context, c contacts.Contact) (contacts.Contact, bool)
}

// MCPDeps holds dependencies for the MCP server.
type MCPDeps struct {
	Store    *storage.Store
	Verifier MCPVerifier
	Finder   MCPFinder
}

// NewMCPServer creates an MCP server with the mailscout tools and resources registered.
func NewMCPServer(deps MCPDeps, version string) *server.MCPServer {
	s := server.NewMCPServer(
		"mailscout",
		version,
		server.WithToolCapabilities(true),
		server.WithResourceCapabilities(false, true),
		server.WithInstructions("mailscout finds and verifies work email addresses for contacts."),
		server.WithRecovery(),
	)

	s.AddTool(
		mcp.NewTool("verify_email",
			mcp.WithDescription("Check whether a mailbox exists by talking to the domain's mail exchanger."),
			mcp.WithString("email", mcp.Description("Address to verify"), mcp.Required()),
		),
		mcpVerifyEmail(deps),
	)

	s.AddTool(
		mcp.NewTool("find_email",
			mcp.WithDescription("Guess and verify the work email of a person at a company."),
			mcp.WithString("first_name", mcp.Description("Given name"), mcp.Required()),
			mcp.WithString("last_name", mcp.Description("Family name")),
			mcp.WithString("company", mcp.Description("Company name"), mcp.Required()),
			mcp.WithString("linkedin_url", mcp.Description("Profile URL; results are remembered when set")),
		),
		mcpFindEmail(deps),
	)

	s.AddTool(
		mcp.NewTool("job_status",
			mcp.WithDescription("Report progress of a submitted enrichment job."),
			mcp.WithString("job_id", mcp.Description("Job ID returned at submission"), mcp.Required()),
		),
		mcpJobStatus(deps),
	)

	s.AddResource(
		mcp.NewResource(
			"jobs://recent",
			"Recent Jobs",
			mcp.WithResourceDescription("Last 10 submitted jobs"),
			mcp.WithMIMEType("application/json"),
		),
		mcpResourceRecentJobs(deps),
	)

	return s
}

func mcpVerifyEmail(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		email, err := req.RequireString("email")
		if err != nil || email == "" {
			return mcpError("email is required"), nil
		}
		if deps.Verifier == nil {
			return mcpError("verification not available"), nil
		}

		res := deps.Verifier.Verify(ctx, email)
		return mcpJSON(res)
	}
}

func mcpFindEmail(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		first, err := req.RequireString("first_name")
		if err != nil {
			return mcpError("first_name is required"), nil
		}
		company, err := req.RequireString("company")
		if err != nil {
			return mcpError("company is required"), nil
		}
		if deps.Finder == nil {
			return mcpError("email finder not available"), nil
		}

		c, ok := deps.Finder.Enrich(ctx, contacts.Contact{
			FirstName:   first,
			LastName:    req.GetString("last_name", ""),
			Company:     company,
			LinkedInURL: req.GetString("linkedin_url", ""),
		})
		if !ok {
			return mcpError("name is empty after cleaning"), nil
		}
		return mcpJSON(c)
	}
}

func mcpJobStatus(deps MCPDeps) server.ToolHandlerFunc {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		id, err := req.RequireString("job_id")
		if err != nil {
			return mcpError("job_id is required"), nil
		}

		job, err := deps.Store.GetJob(id)
		if errors.Is(err, storage.ErrNotFound) {
			return mcpError(fmt.Sprintf("job %s not found", id)), nil
		}
		if err != nil {
			return mcpError(fmt.Sprintf("failed to get job: %v", err)), nil
		}
		return mcpJSON(NewJobView(job))
	}
}

func mcpResourceRecentJobs(deps MCPDeps) server.ResourceHandlerFunc {
	return func(ctx context.Context, req mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		jobs, err := deps.Store.ListJobs(10)
		if err != nil {
			return nil, fmt.Errorf("failed to list jobs: %w", err)
		}

		views := make([]JobView, len(jobs))
		for i, j := range jobs {
			views[i] = NewJobView(j)
		}
		b, err := json.Marshal(views)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal jobs: %w", err)
		}

		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      req.Params.URI,
				MIMEType: "application/json",
				Text:     string(b),
			},
		}, nil
	}
}

func mcpJSON(v any) (*mcp.CallToolResult, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return mcpError(fmt.Sprintf("failed to marshal result: %v", err)), nil
	}
	return mcpText(string(b)), nil
}

func mcpText(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: text},
		},
	}
}

func mcpError(msg string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{Type: "text", Text: msg},
		},
		IsError: true,
	}
}
