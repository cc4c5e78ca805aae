// engine is a relying-party session engine for the OIDC authorization code
// flow in single-page applications.  It provides packages for the session
// engine itself (oidc), the callback-page dispatcher (oidc/callback), the
// default token-endpoint collaborator (oauthclient) and the host capability
// seam every embedding implements (host).
package engine
