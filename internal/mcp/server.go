// Package mcp exposes read-only workflow tools over the Model Context Protocol.
package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"schoolerp/backend/internal/services"
	"schoolerp/backend/pkg/models"
)

// Engine is the read side of the workflow engine.
type Engine interface {
	GetInstance(ctx context.Context, instanceID string) (*models.WorkflowInstance, error)
	GetHistory(ctx context.Context, instanceID string) ([]*models.StageHistoryEntry, error)
	AvailableActions(ctx context.Context, instanceID string) ([]models.Action, error)
}

// StatusReader reports the latest workflow of an entity.
type StatusReader interface {
	Status(ctx context.Context, id int64) (*services.Result, error)
}

// PayrollReader reports on a payroll period.
type PayrollReader interface {
	Report(ctx context.Context, period services.Period) (*services.Result, error)
}

type Server struct {
	mcpServer *server.MCPServer
	engine    Engine
	statuses  map[string]StatusReader
	payroll   PayrollReader
}

// NewServer registers the workflow tools. statuses maps a program name such
// as "budget" to its status reader; payroll may be nil.
func NewServer(engine Engine, statuses map[string]StatusReader, payroll PayrollReader) *Server {
	s := &Server{
		mcpServer: server.NewMCPServer(
			"School ERP Workflows",
			"1.0.0",
			server.WithToolCapabilities(true),
		),
		engine:   engine,
		statuses: statuses,
		payroll:  payroll,
	}

	s.registerTools()
	return s
}

func (s *Server) GetMCPServer() *server.MCPServer {
	return s.mcpServer
}

func (s *Server) registerTools() {
	s.mcpServer.AddTool(
		mcp.NewTool(
			"workflow_instance",
			mcp.WithDescription("Get a workflow instance with its current stage and payload"),
			mcp.WithString("instance_id", mcp.Required(), mcp.Description("The UUID of the instance")),
		),
		s.handleInstance,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"workflow_history",
			mcp.WithDescription("List the stage history of a workflow instance, most recent first"),
			mcp.WithString("instance_id", mcp.Required(), mcp.Description("The UUID of the instance")),
		),
		s.handleHistory,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"workflow_actions",
			mcp.WithDescription("List the actions available at an instance's current stage"),
			mcp.WithString("instance_id", mcp.Required(), mcp.Description("The UUID of the instance")),
		),
		s.handleActions,
	)

	s.mcpServer.AddTool(
		mcp.NewTool(
			"approval_status",
			mcp.WithDescription("Get the latest approval workflow of a budget, expense or fee structure"),
			mcp.WithString("program", mcp.Required(), mcp.Description("One of budget, expense, fee_structure")),
			mcp.WithNumber("id", mcp.Required(), mcp.Description("The ID of the entity")),
		),
		s.handleApprovalStatus,
	)

	if s.payroll != nil {
		s.mcpServer.AddTool(
			mcp.NewTool(
				"payroll_report",
				mcp.WithDescription("Summarize the payroll run of a month"),
				mcp.WithNumber("year", mcp.Required(), mcp.Description("Four digit year")),
				mcp.WithNumber("month", mcp.Required(), mcp.Description("Month, 1 to 12")),
			),
			s.handlePayrollReport,
		)
	}
}

func arguments(request mcp.CallToolRequest) (map[string]interface{}, *mcp.CallToolResult) {
	args, ok := request.Params.Arguments.(map[string]interface{})
	if !ok {
		return nil, mcp.NewToolResultError("Invalid arguments type")
	}
	return args, nil
}

func stringArg(request mcp.CallToolRequest, name string) (string, *mcp.CallToolResult) {
	args, fail := arguments(request)
	if fail != nil {
		return "", fail
	}
	v, ok := args[name].(string)
	if !ok || v == "" {
		return "", mcp.NewToolResultError("Missing required parameter: " + name)
	}
	return v, nil
}

func numberArg(request mcp.CallToolRequest, name string) (int64, *mcp.CallToolResult) {
	args, fail := arguments(request)
	if fail != nil {
		return 0, fail
	}
	v, ok := args[name].(float64)
	if !ok {
		return 0, mcp.NewToolResultError("Missing required parameter: " + name)
	}
	return int64(v), nil
}

func jsonResult(v any) *mcp.CallToolResult {
	jsonBytes, err := json.Marshal(v)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to encode result: %v", err))
	}
	return mcp.NewToolResultText(string(jsonBytes))
}

func resultOf(res *services.Result, err error) *mcp.CallToolResult {
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get status: %v", err))
	}
	if !res.Success {
		return mcp.NewToolResultError(res.Message)
	}
	return jsonResult(res.Data)
}

func (s *Server) handleInstance(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, fail := stringArg(request, "instance_id")
	if fail != nil {
		return fail, nil
	}
	inst, err := s.engine.GetInstance(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get instance: %v", err)), nil
	}
	return jsonResult(inst), nil
}

func (s *Server) handleHistory(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, fail := stringArg(request, "instance_id")
	if fail != nil {
		return fail, nil
	}
	history, err := s.engine.GetHistory(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to get history: %v", err)), nil
	}
	return jsonResult(history), nil
}

func (s *Server) handleActions(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	id, fail := stringArg(request, "instance_id")
	if fail != nil {
		return fail, nil
	}
	actions, err := s.engine.AvailableActions(ctx, id)
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("Failed to list actions: %v", err)), nil
	}
	return jsonResult(actions), nil
}

func (s *Server) handleApprovalStatus(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	program, fail := stringArg(request, "program")
	if fail != nil {
		return fail, nil
	}
	id, fail := numberArg(request, "id")
	if fail != nil {
		return fail, nil
	}
	reader, ok := s.statuses[program]
	if !ok {
		return mcp.NewToolResultError("Unknown program: " + program), nil
	}
	return resultOf(reader.Status(ctx, id)), nil
}

func (s *Server) handlePayrollReport(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	year, fail := numberArg(request, "year")
	if fail != nil {
		return fail, nil
	}
	month, fail := numberArg(request, "month")
	if fail != nil {
		return fail, nil
	}
	return resultOf(s.payroll.Report(ctx, services.Period{Year: int(year), Month: int(month)})), nil
}

// MountHTTPHandlers serves the MCP server over the streamable HTTP transport
// at /mcp and over SSE at /mcp/sse and /mcp/message.
func MountHTTPHandlers(mux *http.ServeMux, mcpServer *server.MCPServer) {
	streamable := server.NewStreamableHTTPServer(mcpServer, server.WithEndpointPath("/mcp"))
	sseServer := server.NewSSEServer(mcpServer, server.WithStaticBasePath("/mcp"))

	mux.Handle("/mcp", streamable)
	mux.HandleFunc("/mcp/sse", sseServer.ServeHTTP)
	mux.HandleFunc("/mcp/message", sseServer.ServeHTTP)
}
