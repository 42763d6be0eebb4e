// Package auth issues and checks agent tokens for fabricore-gateway.
//
// When auth.agent_token_secret is configured, every agent.identify must carry
// an HS256 JWT whose "sub" claim equals the declared agent id:
//
//	verifier := auth.NewJWTVerifier(secret)
//	token, err := verifier.Generate("build-01", 0)
//	err = auth.VerifyAgent(verifier, token, "build-01")
//
// Operator authentication for the HTTP API is out of scope; the API is meant
// to be reached over the tailnet only.
package auth
