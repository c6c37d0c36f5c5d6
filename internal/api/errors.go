package api

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"strings"

	"github.com/tjfontaine/audit-timeline/internal/console"
	"github.com/tjfontaine/audit-timeline/internal/domain"
	"github.com/tjfontaine/audit-timeline/internal/reveal"
	"github.com/tjfontaine/audit-timeline/internal/server"
	"github.com/tjfontaine/audit-timeline/internal/stream"
)

// errorBody is the rendered error. Detail repeats the message for clients that
// only read a flat string.
type errorBody struct {
	Error  errorObject `json:"error"`
	Detail string      `json:"detail"`
}

type errorObject struct {
	Type    domain.ErrorType `json:"type"`
	Code    domain.ErrorCode `json:"code,omitempty"`
	Message string           `json:"message"`
	Param   string           `json:"param,omitempty"`
}

// toAPIError converts any error to a domain.APIError. Known sentinels get their
// own type and status; anything else is a server error.
func toAPIError(err error) *domain.APIError {
	var apiErr *domain.APIError
	if errors.As(err, &apiErr) {
		return apiErr
	}

	switch {
	case errors.Is(err, console.ErrEmptyPrompt):
		return domain.ErrInvalidRequest("Prompt must not be empty.").
			WithCode(domain.ErrorCodeEmptyPrompt).WithParam("prompt")
	case errors.Is(err, console.ErrUnknownScenario):
		return domain.ErrInvalidRequest(sentence(err)).
			WithCode(domain.ErrorCodeUnknownScenario).WithParam("scenario_id")
	case errors.Is(err, console.ErrUnknownJudge):
		return domain.ErrInvalidRequest(sentence(err)).WithParam("judge_id")
	case errors.Is(err, console.ErrAgentUnavailable):
		return domain.ErrUnavailable("No agent is configured for live queries.")
	case errors.Is(err, console.ErrAgentFailed):
		return domain.ErrServer(sentence(err)).WithCode(domain.ErrorCodeAgentFailed)
	case errors.Is(err, console.ErrNoAuditRecords):
		return domain.ErrServer("Failed to capture audit log for the request.").
			WithCode(domain.ErrorCodeAuditCapture)
	case errors.Is(err, console.ErrNoEvents):
		return domain.ErrServer("Timeline parsing failed for the new run.").
			WithCode(domain.ErrorCodeAuditCapture)
	case errors.Is(err, reveal.ErrMissingField):
		return domain.ErrInvalidRequest(sentence(err))
	case errors.Is(err, stream.ErrRunIDRequired):
		return domain.ErrInvalidRequest("run_id is required.").WithParam("run_id")
	case errors.Is(err, stream.ErrInvalidPollInterval):
		return invalidParam("poll_interval", "Invalid poll_interval: %s.", strings.TrimPrefix(err.Error(), "stream: "))
	case errors.Is(err, fs.ErrNotExist):
		return domain.ErrNotFound("Audit log not found.")
	}
	return domain.ErrServer(err.Error())
}

// sentence capitalizes an error message and ends it with a period.
func sentence(err error) string {
	msg := err.Error()
	if msg == "" {
		return msg
	}
	if c := msg[0]; c >= 'a' && c <= 'z' {
		msg = string(c-'a'+'A') + msg[1:]
	}
	if msg[len(msg)-1] != '.' {
		msg += "."
	}
	return msg
}

func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	apiErr := toAPIError(err)
	status := apiErr.HTTPStatusCode()

	server.AddError(r.Context(), err)
	if status >= http.StatusInternalServerError {
		h.logger.ErrorContext(r.Context(), "request failed",
			slog.String("path", r.URL.Path),
			slog.String("error", err.Error()))
	}

	writeJSON(w, status, errorBody{
		Error: errorObject{
			Type:    apiErr.Type,
			Code:    apiErr.Code,
			Message: apiErr.Message,
			Param:   apiErr.Param,
		},
		Detail: apiErr.Message,
	})
}

func invalidParam(param, format string, args ...any) *domain.APIError {
	return domain.ErrInvalidRequest(fmt.Sprintf(format, args...)).WithParam(param)
}
