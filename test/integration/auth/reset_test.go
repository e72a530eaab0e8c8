// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

//go:build integration

package auth_test

import (
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/rollcall/rollcall/internal/signin"
)

var _ = Describe("Password reset", func() {
	var c *client

	BeforeEach(func() {
		env.reset()
		env.createSchool("school-a")
		env.createAccount("anna", accountOpts{schoolID: "school-a", email: "anna@club.test"})
		env.createAccount("olga", accountOpts{schoolID: "school-a", email: "olga@club.test", inactive: true})
		c = env.newClient()
	})

	It("replaces the password and consumes the token", func() {
		Expect(c.signin.RequestPasswordReset(env.ctx, "Anna@Club.test")).To(Succeed())
		notice, ok := c.notifier.last()
		Expect(ok).To(BeTrue())
		Expect(notice.Username).To(Equal("anna"))

		Expect(env.neutralAccountCount()).To(BeZero(), "lookup flag cleared")

		Expect(c.signin.CompletePasswordReset(env.ctx, notice.Token, "brand-new-pw")).To(Succeed())

		Expect(c.signin.Login(env.ctx, "anna", password)).To(MatchError(signin.ErrInvalidCredentials))
		Expect(c.signin.Login(env.ctx, "anna", "brand-new-pw")).To(Succeed())

		err := c.signin.CompletePasswordReset(env.ctx, notice.Token, "another-new-pw")
		Expect(err).To(MatchError(signin.ErrResetInvalidToken))
	})

	It("answers unknown and inactive addresses the same way", func() {
		Expect(c.signin.RequestPasswordReset(env.ctx, "ghost@club.test")).To(Succeed())
		Expect(c.signin.RequestPasswordReset(env.ctx, "olga@club.test")).To(Succeed())

		_, ok := c.notifier.last()
		Expect(ok).To(BeFalse())
		Expect(env.neutralAccountCount()).To(BeZero())
	})

	It("rejects unknown tokens", func() {
		err := c.signin.CompletePasswordReset(env.ctx, "deadbeef", "brand-new-pw")
		Expect(err).To(MatchError(signin.ErrResetInvalidToken))
	})
})
