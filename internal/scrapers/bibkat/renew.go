package bibkat

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"bibkat-backend/internal/components/chrono"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

type envelopeAction struct {
	Function string `json:"function"`
	Method   string `json:"method"`
}

// renewEnvelope is the JSON shape of both steps of the renewal dialog.
type renewEnvelope struct {
	Meta struct {
		Success bool `json:"success"`
	} `json:"meta"`
	Data struct {
		Actions []envelopeAction `json:"actions"`
		Message string           `json:"message"`
	} `json:"data"`
}

func (e renewEnvelope) offersRenewal() bool {
	for _, action := range e.Data.Actions {
		if action.Function == "renew" && strings.EqualFold(action.Method, http.MethodPost) {
			return true
		}
	}
	return false
}

// RenewResponse is the confirmation of a successful renewal.
type RenewResponse struct {
	Message string
	// NewDueDate is the ISO due date after renewal, when the confirmation mentions one.
	NewDueDate string
}

// renewEndpoint is the renewal API of the library. Libraries that revealed a catalog code serve
// it below that code on the same host.
func (c *Client) renewEndpoint() string {
	if c.CatalogCode != "" {
		return fmt.Sprintf("%s/%s%s", c.origin(), c.CatalogCode, endpointRenewApi)
	}
	return c.url(endpointRenewApi).String()
}

func decodeEnvelope(body []byte) (renewEnvelope, error) {
	var envelope renewEnvelope
	err := json.Unmarshal(body, &envelope)
	if err != nil {
		return renewEnvelope{}, &RenewalProtocolError{Reason: "response is not a renewal envelope"}
	}
	return envelope, nil
}

// Renew runs the two step renewal dialog for a medium: it asks for the dialog, checks that a renew
// action is offered, then confirms it.
//
// Transport failures are *NetworkError, refusals and unexpected answers *RenewalProtocolError.
func (c *Client) Renew(ctx context.Context, mediaId string) (RenewResponse, error) {
	c.tel.ReportDebug("renew", mediaId)

	endpoint := c.renewEndpoint()
	referer := c.url(endpointFamily).String()

	res, err := c.Http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"payload": mediaId,
			"_":       strconv.FormatInt(c.time.Now().UnixMilli(), 10),
		}).
		SetHeader("X-Requested-With", "XMLHttpRequest").
		SetHeader("Referer", referer).
		Get(endpoint)
	if err != nil {
		netErr := &NetworkError{Op: "renewal dialog", Err: err}
		c.tel.ReportWarning(report_client_renew, netErr, mediaId)
		return RenewResponse{}, netErr
	}
	if res.StatusCode() != http.StatusOK {
		netErr := &NetworkError{Op: "renewal dialog", Status: res.StatusCode()}
		c.tel.ReportWarning(report_client_renew, netErr, mediaId)
		return RenewResponse{}, netErr
	}

	dialog, err := decodeEnvelope(res.Body())
	if err != nil {
		c.tel.ReportBroken(report_client_renew, err, mediaId)
		return RenewResponse{}, err
	}
	if !dialog.Meta.Success {
		reason := "dialog refused"
		if dialog.Data.Message != "" {
			reason = dialog.Data.Message
		}
		return RenewResponse{}, &RenewalProtocolError{Reason: reason}
	}
	if !dialog.offersRenewal() {
		return RenewResponse{}, &RenewalProtocolError{Reason: "no renew action offered"}
	}

	res, err = c.Http.R().
		SetContext(ctx).
		SetHeader("X-CSRFToken", c.CsrfToken).
		SetHeader("X-Requested-With", "XMLHttpRequest").
		SetHeader("Referer", referer).
		SetFormData(map[string]string{
			"payload":             mediaId,
			"csrfmiddlewaretoken": c.CsrfToken,
		}).
		Post(endpoint)
	if err != nil {
		netErr := &NetworkError{Op: "renewal confirmation", Err: err}
		c.tel.ReportWarning(report_client_renew, netErr, mediaId)
		return RenewResponse{}, netErr
	}
	if res.StatusCode() != http.StatusOK {
		netErr := &NetworkError{Op: "renewal confirmation", Status: res.StatusCode()}
		c.tel.ReportWarning(report_client_renew, netErr, mediaId)
		return RenewResponse{}, netErr
	}

	confirmation, err := decodeEnvelope(res.Body())
	if err != nil {
		c.tel.ReportBroken(report_client_renew, err, mediaId)
		return RenewResponse{}, err
	}
	if !confirmation.Meta.Success {
		reason := "renewal refused"
		if confirmation.Data.Message != "" {
			reason = confirmation.Data.Message
		}
		return RenewResponse{}, &RenewalProtocolError{Reason: reason}
	}

	out := RenewResponse{Message: confirmation.Data.Message}
	if due, err := ParseGermanDate(DueDateText(out.Message), chrono.Today(c.time)); err == nil {
		out.NewDueDate = chrono.FormatIso(due)
	}
	return out, nil
}
