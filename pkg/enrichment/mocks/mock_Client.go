// Package mocks provides test doubles for the enrichment client.
package mocks

import (
	"context"

	enrichment "github.com/sells-group/leadpipe/pkg/enrichment"
	mock "github.com/stretchr/testify/mock"
)

// MockClient is a mock type for the Client interface.
type MockClient struct {
	mock.Mock
}

// Enrich provides a mock function with given fields: ctx, req
func (_m *MockClient) Enrich(ctx context.Context, req enrichment.Request) (*enrichment.Response, error) {
	ret := _m.Called(ctx, req)

	if len(ret) == 0 {
		panic("no return value specified for Enrich")
	}

	var r0 *enrichment.Response
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, enrichment.Request) (*enrichment.Response, error)); ok {
		return rf(ctx, req)
	}
	if ret.Get(0) != nil {
		r0 = ret.Get(0).(*enrichment.Response)
	}
	r1 = ret.Error(1)

	return r0, r1
}

// NewMockClient creates a new instance of MockClient. It also registers a
// testing interface on the mock and a cleanup function to assert the mocks
// expectations.
func NewMockClient(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockClient {
	m := &MockClient{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}
