// Package notifyhttp exposes the notification engine over HTTP.
//
// Recipient-facing routes identify the caller through a RecipientResolver,
// by default the X-Recipient-ID header set by an authenticating gateway:
//
//	GET    /notifications               list (unread, category, archived, limit, offset)
//	GET    /notifications/unread-count  badge count
//	POST   /notifications/read-all      mark everything read
//	POST   /notifications/{id}/read     mark one read
//	POST   /notifications/{id}/archive  archive one
//	DELETE /notifications/{id}          delete one
//	DELETE /notifications               clear all
//	GET    /preferences                 current preferences
//	PATCH  /preferences                 partial preferences update
//	GET    /stream                      Server-Sent Events
//	GET    /ws                          WebSocket
//
// Producer routes take the recipient from the body:
//
//	POST /notifications       create one (201 delivered, 202 queued, 200 dropped)
//	POST /notifications/bulk  fan out many
//
// Live streams deliver at most once and may drop events for slow clients;
// clients reconcile by listing. Register Handler.Close as a server shutdown
// hook so open streams end when the server stops.
package notifyhttp
