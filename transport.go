package iqua

import "net/http"

type transport struct {
	http.RoundTripper
}

func (t *transport) RoundTrip(req *http.Request) (*http.Response, error) {
	for k, v := range (http.Header{
		"Accept":           {"application/json, text/plain, */*"},
		"Accept-Language":  {"en-US"},
		"x-app-identifier": {"IQUA"},
	}) {
		for _, vv := range v {
			req.Header.Add(k, vv)
		}
	}

	rt := t.RoundTripper
	if rt == nil {
		rt = http.DefaultTransport
	}
	return rt.RoundTrip(req)
}
