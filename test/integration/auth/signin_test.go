// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

//go:build integration

package auth_test

import (
	"context"

	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/rollcall/rollcall/internal/auth"
	"github.com/rollcall/rollcall/internal/rls"
	"github.com/rollcall/rollcall/internal/session"
	"github.com/rollcall/rollcall/internal/signin"
	"github.com/rollcall/rollcall/pkg/errutil"
)

var _ = Describe("Sign-in", func() {
	var c *client

	BeforeEach(func() {
		env.reset()
		env.createSchool("school-a")
		env.createSchool("school-b")
		env.createAccount("anna", accountOpts{schoolID: "school-a", role: auth.RoleCoordinator})
		env.createAccount("tess", accountOpts{schoolID: "school-a"})
		env.createAccount("bert", accountOpts{schoolID: "school-b"})
		env.createAccount("olga", accountOpts{schoolID: "school-a", inactive: true})
		env.createAccount("drift", accountOpts{})
		c = env.newClient()
	})

	It("pins the session to the account's school", func() {
		Expect(c.signin.Login(env.ctx, "anna", password)).To(Succeed())

		sess := c.registry.Current()
		Expect(sess).NotTo(BeNil())
		Expect(sess.SchoolID()).To(Equal("school-a"))
		Expect(sess.Role()).To(Equal(auth.RoleCoordinator))

		var tenant string
		var visible int
		Expect(sess.Do(env.ctx, func(ctx context.Context, q session.Querier) error {
			var err error
			if tenant, err = rls.CurrentTenant(ctx, q); err != nil {
				return err
			}
			return q.QueryRow(ctx, `SELECT count(*) FROM accounts`).Scan(&visible)
		})).To(Succeed())

		Expect(tenant).To(Equal("school-a"))
		Expect(visible).To(Equal(3), "only school-a rows are visible")
		Expect(sess.Ping(env.ctx)).To(Succeed())
	})

	It("matches usernames case-insensitively", func() {
		Expect(c.signin.Login(env.ctx, "  ANNA ", password)).To(Succeed())
		Expect(c.registry.Current().Username()).To(Equal("anna"))
	})

	DescribeTable("rejects with the same error",
		func(username, pw string) {
			err := c.signin.Login(env.ctx, username, pw)
			Expect(err).To(MatchError(signin.ErrInvalidCredentials))
			Expect(c.registry.Current()).To(BeNil())
		},
		Entry("wrong password", "anna", "not-the-password"),
		Entry("unknown user", "nobody", password),
		Entry("inactive account", "olga", password),
		Entry("account without a school", "drift", password),
		Entry("blank username", "   ", password),
	)

	It("leaves the pooled connection neutral after a failed sign-in", func() {
		Expect(c.signin.Login(env.ctx, "anna", "not-the-password")).To(MatchError(signin.ErrInvalidCredentials))

		Expect(env.neutralAccountCount()).To(BeZero())

		var flag *string
		Expect(env.app.QueryRow(env.ctx,
			`SELECT NULLIF(current_setting('app.login_username', true), '')`).Scan(&flag)).To(Succeed())
		Expect(flag).To(BeNil())
	})

	It("leaves the pooled connection neutral after a successful sign-in", func() {
		Expect(c.signin.Login(env.ctx, "anna", password)).To(Succeed())
		Expect(env.neutralAccountCount()).To(BeZero())
	})

	It("refuses a second sign-in while a session is active", func() {
		Expect(c.signin.Login(env.ctx, "anna", password)).To(Succeed())
		first := c.registry.Current()

		Expect(c.signin.Login(env.ctx, "tess", password)).To(MatchError(signin.ErrAlreadySignedIn))
		Expect(c.registry.Current()).To(BeIdenticalTo(first))
	})

	It("releases the connection on logout", func() {
		Expect(c.signin.Login(env.ctx, "anna", password)).To(Succeed())
		sess := c.registry.Current()

		Expect(c.signin.Logout(env.ctx)).To(Succeed())
		Expect(c.registry.Current()).To(BeNil())
		Expect(sess.Closed()).To(BeTrue())

		Expect(c.signin.Login(env.ctx, "tess", password)).To(Succeed())
	})

	It("rejects statements that would move the tenant pin", func() {
		Expect(c.signin.Login(env.ctx, "tess", password)).To(Succeed())
		sess := c.registry.Current()

		err := sess.Do(env.ctx, func(ctx context.Context, q session.Querier) error {
			_, err := q.Exec(ctx, `SELECT set_config('app.school_id', 'school-b', false)`)
			return err
		})
		Expect(err).To(HaveOccurred())

		for _, stmt := range []string{
			`/* c */ SET app.school_id = 'school-b'`,
			"-- c\nSET app.school_id = 'school-b'",
			`SELECT pg_catalog."set_config"('app.school_id', 'school-b', false)`,
		} {
			err := sess.Do(env.ctx, func(ctx context.Context, q session.Querier) error {
				_, err := q.Exec(ctx, stmt)
				return err
			})
			errutil.AssertErrorCode(GinkgoT(), err, "SESSION_PIN_TAMPER")
		}

		var visible int
		Expect(sess.Do(env.ctx, func(ctx context.Context, q session.Querier) error {
			return q.QueryRow(ctx, `SELECT count(*) FROM accounts WHERE school_id = 'school-b'`).Scan(&visible)
		})).To(Succeed())
		Expect(visible).To(BeZero())
	})

	It("ends the session when the pin moves despite the statement check", func() {
		Expect(c.signin.Login(env.ctx, "tess", password)).To(Succeed())
		sess := c.registry.Current()

		err := sess.Do(env.ctx, func(ctx context.Context, q session.Querier) error {
			_, err := q.Exec(ctx, `SELECT U&"\0073et_config"('app.school_id', 'school-b', false)`)
			return err
		})
		errutil.AssertErrorCode(GinkgoT(), err, "SESSION_PIN_LOST")
		Expect(c.registry.Current()).To(BeNil())
		Expect(sess.Closed()).To(BeTrue())
	})
})
