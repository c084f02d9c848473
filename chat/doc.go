// Package chat contains the Kick chat session and the command responder.
//
// A Session owns one WebSocket connection to a channel's chatroom:
//   - connecting: resolve the chatroom id over the REST API, retrying after
//     LookupRetryDelay on failure.
//   - authenticating: dial ChatURL+id and write the auth frame with the
//     channel's access token.
//   - active: read frames in order; message events go to the Responder and
//     any reply is written back as a send_message frame.
//   - disconnected: on any transport error, wait ReconnectDelay and start over.
//
// Stop ends the loop, including pending retry timers. A refreshed token means
// a new Session; the old one is stopped first (see package coordinator).
//
// Wire format: JSON frames {"event": ..., "data": ...}. Inbound message data
// is {"sender":{"username"},"message":{"content"}}, possibly JSON-encoded as a
// string. Frames that fail to parse are logged and dropped.
package chat
