// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Rollcall Contributors

//go:build integration

package auth_test

import (
	"sync"

	"github.com/oklog/ulid/v2"
	. "github.com/onsi/ginkgo/v2" //nolint:revive // ginkgo convention
	. "github.com/onsi/gomega"    //nolint:revive // gomega convention

	"github.com/rollcall/rollcall/internal/auth"
	"github.com/rollcall/rollcall/pkg/errutil"
)

var _ = Describe("Coordinator activation", func() {
	var anna, ben, cleo, bert *auth.Credential

	BeforeEach(func() {
		env.reset()
		env.createSchool("school-a")
		env.createSchool("school-b")
		anna = env.createAccount("anna", accountOpts{schoolID: "school-a", role: auth.RoleCoordinator, activeCoordinator: true})
		ben = env.createAccount("ben", accountOpts{schoolID: "school-a", role: auth.RoleCoordinator})
		cleo = env.createAccount("cleo", accountOpts{schoolID: "school-a", role: auth.RoleCoordinator})
		bert = env.createAccount("bert", accountOpts{schoolID: "school-b", role: auth.RoleCoordinator, activeCoordinator: true})
		env.createAccount("tess", accountOpts{schoolID: "school-a"})
	})

	It("moves the active flag to the target", func() {
		c := env.newClient()
		Expect(c.signin.Login(env.ctx, "anna", password)).To(Succeed())
		Expect(c.registry.IsActiveCoordinator()).To(BeTrue())

		Expect(c.coordinators.Activate(env.ctx, "school-a", ben.ID)).To(Succeed())

		Expect(env.activeCoordinators("school-a")).To(Equal([]string{"ben"}))
		Expect(env.activeCoordinators("school-b")).To(Equal([]string{"bert"}), "other schools untouched")
		Expect(c.registry.IsActiveCoordinator()).To(BeFalse())
	})

	It("lists only the session's school", func() {
		c := env.newClient()
		Expect(c.signin.Login(env.ctx, "anna", password)).To(Succeed())

		coords, err := c.coordinators.List(env.ctx)
		Expect(err).NotTo(HaveOccurred())

		var names []string
		for _, cr := range coords {
			names = append(names, cr.Username)
		}
		Expect(names).To(Equal([]string{"anna", "ben", "cleo"}))
	})

	It("refuses another school", func() {
		c := env.newClient()
		Expect(c.signin.Login(env.ctx, "anna", password)).To(Succeed())

		err := c.coordinators.Activate(env.ctx, "school-b", bert.ID)
		errutil.AssertErrorCode(GinkgoT(), err, "COORDINATOR_CROSS_TENANT")

		err = c.coordinators.Activate(env.ctx, "school-a", bert.ID)
		errutil.AssertErrorCode(GinkgoT(), err, "COORDINATOR_NOT_FOUND")

		Expect(env.activeCoordinators("school-a")).To(Equal([]string{"anna"}))
		Expect(env.activeCoordinators("school-b")).To(Equal([]string{"bert"}))
	})

	It("refuses teachers", func() {
		c := env.newClient()
		Expect(c.signin.Login(env.ctx, "tess", password)).To(Succeed())

		err := c.coordinators.Activate(env.ctx, "school-a", ben.ID)
		errutil.AssertErrorCode(GinkgoT(), err, "COORDINATOR_FORBIDDEN")
	})

	It("deactivates without choosing a replacement", func() {
		c := env.newClient()
		Expect(c.signin.Login(env.ctx, "anna", password)).To(Succeed())

		Expect(c.coordinators.Deactivate(env.ctx, anna.ID)).To(Succeed())
		Expect(env.activeCoordinators("school-a")).To(BeEmpty())
		Expect(c.registry.IsActiveCoordinator()).To(BeFalse())
	})

	It("leaves exactly one active coordinator under concurrent activation", func() {
		clients := make([]*client, 3)
		for i, name := range []string{"anna", "ben", "cleo"} {
			clients[i] = env.newClient()
			Expect(clients[i].signin.Login(env.ctx, name, password)).To(Succeed())
		}
		targets := []ulid.ULID{anna.ID, ben.ID, cleo.ID}

		const rounds = 10
		var wg sync.WaitGroup
		errs := make(chan error, len(clients)*rounds)
		for i, c := range clients {
			wg.Add(1)
			go func() {
				defer GinkgoRecover()
				defer wg.Done()
				for r := range rounds {
					errs <- c.coordinators.Activate(env.ctx, "school-a", targets[(i+r)%len(targets)])
				}
			}()
		}
		wg.Wait()
		close(errs)

		for err := range errs {
			if err != nil {
				Expect(errutil.Code(err)).To(Equal("COORDINATOR_CONFLICT"), "unexpected error: %v", err)
			}
		}
		Expect(env.activeCoordinators("school-a")).To(HaveLen(1))
	})
})
