// Package client holds the JSON wire types of the gateway HTTP API and a
// typed client for it.
//
// The gateway encodes its responses with these types, and fabricore-admin
// decodes them through Client:
//
//	c := client.New("http://localhost:8080", nil)
//	out, err := c.Chat(ctx, client.ChatRequest{Message: "how much disk is free on build-01?"})
//	if out.State == "paused" {
//		out, err = c.Approve(ctx, out.ApprovalID, "alice")
//	}
//
// Every non-2xx reply surfaces as an *APIError carrying the status code and
// the server's error message.
package client
