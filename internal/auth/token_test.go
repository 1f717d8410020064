package auth_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"time"

	"github.com/SDU-eScience/UCloud-sub028/internal/auth"
	"github.com/golang-jwt/jwt/v5"
	. "github.com/onsi/ginkgo/v2"
	. "github.com/onsi/gomega"
)

var _ = Describe("token service", func() {
	var tokens *auth.TokenService

	BeforeEach(func() {
		var err error
		tokens, err = auth.NewTokenService("secret")
		Expect(err).To(BeNil())
	})

	Context("validate", func() {
		It("successfully validates an access token", func() {
			token, err := tokens.CreateToken(auth.Principal{Username: "alice", Role: auth.RoleUser, Project: "p1", Groups: []string{"p1/g1"}})
			Expect(err).To(BeNil())

			principal, err := tokens.Validate(token.Token)
			Expect(err).To(BeNil())
			Expect(principal.Username).To(Equal("alice"))
			Expect(principal.Project).To(Equal("p1"))
			Expect(principal.Groups).To(ConsistOf("p1/g1"))
			Expect(principal.Token).To(Equal(token.Token))
		})

		It("rejects a token signed with another secret", func() {
			other, err := auth.NewTokenService("other")
			Expect(err).To(BeNil())
			token, err := other.CreateToken(auth.Principal{Username: "alice", Role: auth.RoleUser})
			Expect(err).To(BeNil())

			_, err = tokens.Validate(token.Token)
			Expect(errors.Is(err, auth.ErrInvalidToken)).To(BeTrue())
		})

		It("rejects an expired token", func() {
			short, err := auth.NewTokenService("secret", auth.WithAccessTokenTTL(-time.Minute))
			Expect(err).To(BeNil())
			token, err := short.CreateToken(auth.Principal{Username: "alice", Role: auth.RoleUser})
			Expect(err).To(BeNil())

			_, err = tokens.Validate(token.Token)
			Expect(err).ToNot(BeNil())
		})

		It("rejects a refresh token used as access token", func() {
			refresh, err := tokens.CreateRefreshToken(auth.SystemPrincipal())
			Expect(err).To(BeNil())

			_, err = tokens.Validate(refresh)
			Expect(errors.Is(err, auth.ErrInvalidToken)).To(BeTrue())
		})
	})

	Context("refresh", func() {
		It("issues an access token scoped to the audience", func() {
			refresh, err := tokens.CreateRefreshToken(auth.SystemPrincipal())
			Expect(err).To(BeNil())

			access, err := tokens.Refresh(context.TODO(), refresh, "orchestrator:provider:k8s")
			Expect(err).To(BeNil())
			Expect(access.ExpiresAt.After(time.Now())).To(BeTrue())

			claims := jwt.RegisteredClaims{}
			_, _, err = jwt.NewParser().ParseUnverified(access.Token, &claims)
			Expect(err).To(BeNil())
			Expect([]string(claims.Audience)).To(ConsistOf("orchestrator:provider:k8s"))

			principal, err := tokens.Validate(access.Token)
			Expect(err).To(BeNil())
			Expect(principal.IsSystem()).To(BeTrue())
		})

		It("refuses to refresh with an access token", func() {
			access, err := tokens.CreateToken(auth.SystemPrincipal())
			Expect(err).To(BeNil())

			_, err = tokens.Refresh(context.TODO(), access.Token, "x")
			Expect(errors.Is(err, auth.ErrInvalidToken)).To(BeTrue())
		})
	})

	Context("principal", func() {
		It("strips the provider prefix", func() {
			id, ok := auth.ProviderPrincipal("k8s").ProviderID()
			Expect(ok).To(BeTrue())
			Expect(id).To(Equal("k8s"))

			_, ok = auth.Principal{Username: "alice"}.ProviderID()
			Expect(ok).To(BeFalse())
		})
	})

	Context("authenticator", func() {
		It("puts the principal into the request context", func() {
			token, err := tokens.CreateToken(auth.ProviderPrincipal("k8s"))
			Expect(err).To(BeNil())

			var seen auth.Principal
			handler := auth.NewJWTAuthenticator(tokens).Authenticator(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				seen = auth.MustHavePrincipal(r.Context())
			}))

			req := httptest.NewRequest(http.MethodGet, "/", nil)
			req.Header.Set("Authorization", "Bearer "+token.Token)
			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, req)

			Expect(rr.Code).To(Equal(http.StatusOK))
			Expect(seen.Username).To(Equal("#P_k8s"))
		})

		It("rejects a request without token", func() {
			handler := auth.NewJWTAuthenticator(tokens).Authenticator(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))

			rr := httptest.NewRecorder()
			handler.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/", nil))
			Expect(rr.Code).To(Equal(http.StatusUnauthorized))
		})
	})
})
