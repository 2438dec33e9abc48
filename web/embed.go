// Package web embeds the arm dashboard served by cobotd.
package web

import "embed"

// FS holds the dashboard page, its stylesheet and the websocket client.
//
//go:embed index.html style.css app.js
var FS embed.FS
