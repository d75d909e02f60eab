package server

// json error rendering for the mirror handlers. Docker clients expect a json body
// on errors, plain text confuses some of them into retry loops.

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/go-pkgz/rest/logger"
	"github.com/pkg/errors"
)

// SendErrorJSON sends {error: true, message: msg} with the given code and logs
// the failed request details
func SendErrorJSON(w http.ResponseWriter, r *http.Request, l logger.Backend, code int, err error, msg string) {
	if l != nil {
		l.Logf("[WARN] %s", errDetailsMsg(r, code, err, msg))
	}
	errorResponse := responseMessage{
		Error:   true,
		Message: fmt.Sprintf("%s: %s", err, msg),
	}
	renderJSONWithStatus(w, errorResponse, code)
}

// renderJSONWithStatus sends data as json and enforces the status code
func renderJSONWithStatus(w http.ResponseWriter, data interface{}, code int) {
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(true)
	if err := enc.Encode(data); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(code)
	_, _ = w.Write(buf.Bytes())
}

// errDetailsMsg formats a single log line for a failed request, the unescaped url
// keeps pre-signed blob queries readable in the log
func errDetailsMsg(r *http.Request, code int, err error, msg string) string {
	q := r.URL.String()
	if qun, e := url.QueryUnescape(q); e == nil {
		q = qun
	}

	remoteIP := r.RemoteAddr
	if pos := strings.Index(remoteIP, ":"); pos >= 0 {
		remoteIP = remoteIP[:pos]
	}
	if err == nil {
		err = errors.New("no error")
	}
	return fmt.Sprintf("%s - %v - %d - %s - %s %s", msg, err, code, remoteIP, r.Method, q)
}
