// Package graph implements a Provider that sends mail through the Microsoft
// Graph sendMail API.
package graph

import (
	"encoding/base64"
	"encoding/json"

	"github.com/shineum/m365-mailer/internal/mail"
)

// sendMailRequest is the top-level request body for the Graph API sendMail endpoint.
type sendMailRequest struct {
	Message         sendMailMessage `json:"message"`
	SaveToSentItems bool            `json:"saveToSentItems"`
}

// sendMailMessage represents the message portion of a sendMail request.
// Empty optional lists are omitted rather than sent as [].
type sendMailMessage struct {
	Subject       string            `json:"subject"`
	Body          messageBody       `json:"body"`
	ToRecipients  []recipient       `json:"toRecipients"`
	ReplyTo       []recipient       `json:"replyTo,omitempty"`
	CcRecipients  []recipient       `json:"ccRecipients,omitempty"`
	BccRecipients []recipient       `json:"bccRecipients,omitempty"`
	Attachments   []graphAttachment `json:"attachments,omitempty"`
}

type messageBody struct {
	ContentType string `json:"contentType"`
	Content     string `json:"content"`
}

type recipient struct {
	EmailAddress emailAddress `json:"emailAddress"`
}

type emailAddress struct {
	Address string `json:"address"`
}

// graphAttachment represents a file attachment in a Graph API request.
type graphAttachment struct {
	ODataType    string `json:"@odata.type"`
	Name         string `json:"name"`
	ContentType  string `json:"contentType"`
	ContentBytes string `json:"contentBytes"`
}

// graphErrorResponse represents an error response from the Graph API.
type graphErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// buildSendMailRequest converts a translated message into a sendMail request body.
func buildSendMailRequest(msg *mail.Message) *sendMailRequest {
	to := recipients(msg.To)
	if to == nil {
		to = []recipient{}
	}

	var attachments []graphAttachment
	for _, att := range msg.Attachments {
		attachments = append(attachments, graphAttachment{
			ODataType:    "#microsoft.graph.fileAttachment",
			Name:         att.Name,
			ContentType:  att.ContentType,
			ContentBytes: base64.StdEncoding.EncodeToString(att.Content),
		})
	}

	return &sendMailRequest{
		Message: sendMailMessage{
			Subject:       msg.Subject,
			Body:          messageBody{ContentType: "HTML", Content: msg.HTMLBody},
			ToRecipients:  to,
			ReplyTo:       recipients(msg.ReplyTo),
			CcRecipients:  recipients(msg.Cc),
			BccRecipients: recipients(msg.Bcc),
			Attachments:   attachments,
		},
		SaveToSentItems: true,
	}
}

func recipients(addrs []string) []recipient {
	var out []recipient
	for _, addr := range addrs {
		out = append(out, recipient{EmailAddress: emailAddress{Address: addr}})
	}
	return out
}

// graphErrorMessage extracts error.message, then error.code, from a response body.
func graphErrorMessage(body []byte) string {
	var resp graphErrorResponse
	if err := json.Unmarshal(body, &resp); err == nil {
		if resp.Error.Message != "" {
			return resp.Error.Message
		}
		if resp.Error.Code != "" {
			return resp.Error.Code
		}
	}
	return "Graph rejected request"
}
