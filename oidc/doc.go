// Package oidc implements a relying-party session engine for the OIDC
// authorization code flow in single-page applications.  It keeps a token
// bundle alive across page loads, tab duplication, hidden-iframe silent
// renewal and full-page redirects, and guarantees that concurrent
// login/refresh attempts never race each other or corrupt shared storage.
//
// The engine is deliberately host-agnostic: every browser capability it
// needs (storage, navigation, broadcast channels, frame messaging) is
// injected through a host.Environment, and the OAuth2 wire exchanges are
// delegated to a Client collaborator (see package oauthclient for the
// default implementation).
package oidc
