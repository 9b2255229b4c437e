package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"school_billing_echo/internal/models"
)

func onboardInput() OnboardParentInput {
	return OnboardParentInput{
		FullName: "Alice Parent",
		Email:    " Alice@Example.com ",
		Password: "supersecret",
		Phone:    "+15550100",
		MethodID: "pm_onboard",
		Student: StudentInput{
			StudentName: "Kid Parent",
			Email:       "kid@example.com",
			Password:    "kidsecret",
			FeeAmount:   15000,
		},
	}
}

func TestCreateParentWithCard(t *testing.T) {
	db := newTestDB(t)
	gw := newFakeGateway()
	mailer := newCapturingMailer()
	svc := NewParentService(db, gw, mailer)
	svc.now = fixedClock

	next := testNow.AddDate(0, 1, 0)
	in := onboardInput()
	in.Recurring = &RecurringScheduleInput{Enabled: true, Frequency: models.FrequencyQuarterly, NextPaymentDate: &next}

	parent, student, err := svc.CreateParent(context.Background(), in)
	require.NoError(t, err)

	assert.Equal(t, "alice@example.com", parent.Email)
	assert.Equal(t, "cus_test_1", parent.CardDetail.StripeCustomerID)
	assert.Equal(t, "pm_onboard", parent.CardDetail.DefaultPaymentMethodID)
	require.NotNil(t, parent.DefaultMethod())
	assert.Equal(t, "4242", parent.DefaultMethod().Last4)
	assert.True(t, parent.RecurringPayment.Enabled)
	assert.Equal(t, models.FrequencyQuarterly, parent.RecurringPayment.Frequency)
	assert.Equal(t, parent.ID, student.ParentID)
	assert.Equal(t, int64(15000), student.FeeAmount)

	var user models.User
	require.NoError(t, db.First(&user, parent.UserID).Error)
	assert.Equal(t, models.UserTypeParent, user.UserType)
	assert.NoError(t, bcrypt.CompareHashAndPassword([]byte(user.PasswordHash), []byte("supersecret")))

	loaded, err := svc.GetParent(context.Background(), parent.ID)
	require.NoError(t, err)
	require.Len(t, loaded.Students, 1)

	got := map[models.UserType]string{}
	for i := 0; i < 2; i++ {
		select {
		case w := <-mailer.welcomes:
			got[w.Role] = w.To
		case <-time.After(2 * time.Second):
			t.Fatal("welcome emails were not sent")
		}
	}
	assert.Equal(t, "alice@example.com", got[models.UserTypeParent])
	assert.Equal(t, "kid@example.com", got[models.UserTypeStudent])
}

func TestCreateParentWithoutCardSkipsProcessor(t *testing.T) {
	db := newTestDB(t)
	gw := newFakeGateway()
	svc := NewParentService(db, gw, nil)

	in := onboardInput()
	in.MethodID = ""
	parent, _, err := svc.CreateParent(context.Background(), in)
	require.NoError(t, err)
	assert.Empty(t, parent.CardDetail.StripeCustomerID)
	assert.Zero(t, gw.customers)
	assert.Equal(t, models.FrequencyMonthly, parent.RecurringPayment.Frequency)
}

func TestCreateParentValidation(t *testing.T) {
	svc := NewParentService(newTestDB(t), newFakeGateway(), nil)

	tests := []struct {
		name   string
		mutate func(in *OnboardParentInput)
	}{
		{"missing name", func(in *OnboardParentInput) { in.FullName = " " }},
		{"short password", func(in *OnboardParentInput) { in.Password = "short" }},
		{"shared email", func(in *OnboardParentInput) { in.Student.Email = "ALICE@example.com" }},
		{"missing student", func(in *OnboardParentInput) { in.Student.StudentName = "" }},
		{"negative fee", func(in *OnboardParentInput) { in.Student.FeeAmount = -1 }},
		{"bad frequency", func(in *OnboardParentInput) {
			in.Recurring = &RecurringScheduleInput{Frequency: "yearly"}
		}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := onboardInput()
			tt.mutate(&in)
			_, _, err := svc.CreateParent(context.Background(), in)
			assert.True(t, IsKind(err, KindInvalidInput), "got %v", err)
		})
	}
}

func TestCreateParentDuplicateEmail(t *testing.T) {
	db := newTestDB(t)
	gw := newFakeGateway()
	svc := NewParentService(db, gw, nil)

	_, _, err := svc.CreateParent(context.Background(), onboardInput())
	require.NoError(t, err)

	in := onboardInput()
	in.Student.Email = "other-kid@example.com"
	_, _, err = svc.CreateParent(context.Background(), in)
	assert.True(t, IsKind(err, KindConflict))
	assert.Equal(t, 1, gw.customers, "no processor customer for a rejected signup")
}

func TestCreateParentDeletesCustomerWhenAttachFails(t *testing.T) {
	db := newTestDB(t)
	gw := newFakeGateway()
	gw.attach = func(context.Context, string, string) (*CardSnapshot, error) {
		return nil, &GatewayError{Op: "attach_method", Message: "card expired", HTTPStatus: 402}
	}
	svc := NewParentService(db, gw, nil)

	_, _, err := svc.CreateParent(context.Background(), onboardInput())
	assert.True(t, IsKind(err, KindGateway))
	assert.Equal(t, []string{"cus_test_1"}, gw.deleted)
	assert.Zero(t, countRows(t, db, &models.Parent{}, ""))
	assert.Zero(t, countRows(t, db, &models.User{}, ""))
}

func TestCreateParentDeleteFailureIsLogged(t *testing.T) {
	db := newTestDB(t)
	gw := newFakeGateway()
	gw.setDefault = func(context.Context, string, string) error {
		return &GatewayError{Op: "set_default", Message: "no such method", HTTPStatus: 404}
	}
	gw.deleteCustomer = func(context.Context, string) error {
		return errors.New("processor unavailable")
	}
	svc := NewParentService(db, gw, nil)

	_, _, err := svc.CreateParent(context.Background(), onboardInput())
	assert.True(t, IsKind(err, KindGateway))
	assert.Len(t, gw.deleted, 1)
}

func TestUpdateRecurringSchedule(t *testing.T) {
	db := newTestDB(t)
	svc := NewParentService(db, newFakeGateway(), nil)
	ctx := context.Background()
	parent := seedParent(t, db, "bea", parentOpts{})

	_, err := svc.UpdateRecurringSchedule(ctx, parent.ID, RecurringScheduleInput{Enabled: true})
	assert.True(t, IsKind(err, KindInvalidInput))
	_, err = svc.UpdateRecurringSchedule(ctx, parent.ID, RecurringScheduleInput{Frequency: "daily"})
	assert.True(t, IsKind(err, KindInvalidInput))
	_, err = svc.UpdateRecurringSchedule(ctx, 999, RecurringScheduleInput{})
	assert.True(t, IsKind(err, KindNotFound))

	next := testNow.AddDate(0, 0, 14)
	updated, err := svc.UpdateRecurringSchedule(ctx, parent.ID, RecurringScheduleInput{Enabled: true, Frequency: models.FrequencyWeekly, NextPaymentDate: &next})
	require.NoError(t, err)
	assert.True(t, updated.RecurringPayment.Enabled)

	stored := reloadParent(t, db, parent.ID)
	assert.True(t, stored.RecurringPayment.Enabled)
	assert.Equal(t, models.FrequencyWeekly, stored.RecurringPayment.Frequency)
	require.NotNil(t, stored.RecurringPayment.NextPaymentDate)
	assert.True(t, stored.RecurringPayment.NextPaymentDate.Equal(next))

	_, err = svc.UpdateRecurringSchedule(ctx, parent.ID, RecurringScheduleInput{Enabled: false})
	require.NoError(t, err)
	stored = reloadParent(t, db, parent.ID)
	assert.False(t, stored.RecurringPayment.Enabled)
	assert.Equal(t, models.FrequencyWeekly, stored.RecurringPayment.Frequency)
}
