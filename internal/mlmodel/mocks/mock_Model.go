// Package mocks provides test doubles for the model interface.
package mocks

import (
	"context"

	mock "github.com/stretchr/testify/mock"
)

// MockModel is a mock type for the Model interface.
type MockModel struct {
	mock.Mock
}

// PredictProba provides a mock function with given fields: ctx, features
func (_m *MockModel) PredictProba(ctx context.Context, features map[string]float64) (float64, error) {
	ret := _m.Called(ctx, features)

	if len(ret) == 0 {
		panic("no return value specified for PredictProba")
	}

	var r0 float64
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, map[string]float64) (float64, error)); ok {
		return rf(ctx, features)
	}
	if rf, ok := ret.Get(0).(func(context.Context, map[string]float64) float64); ok {
		r0 = rf(ctx, features)
	} else {
		r0 = ret.Get(0).(float64)
	}

	if rf, ok := ret.Get(1).(func(context.Context, map[string]float64) error); ok {
		r1 = rf(ctx, features)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// FeatureAttributions provides a mock function with given fields: ctx, features
func (_m *MockModel) FeatureAttributions(ctx context.Context, features map[string]float64) (map[string]float64, error) {
	ret := _m.Called(ctx, features)

	if len(ret) == 0 {
		panic("no return value specified for FeatureAttributions")
	}

	var r0 map[string]float64
	var r1 error
	if rf, ok := ret.Get(0).(func(context.Context, map[string]float64) (map[string]float64, error)); ok {
		return rf(ctx, features)
	}
	if rf, ok := ret.Get(0).(func(context.Context, map[string]float64) map[string]float64); ok {
		r0 = rf(ctx, features)
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).(map[string]float64)
		}
	}

	if rf, ok := ret.Get(1).(func(context.Context, map[string]float64) error); ok {
		r1 = rf(ctx, features)
	} else {
		r1 = ret.Error(1)
	}

	return r0, r1
}

// FeatureColumns provides a mock function with no fields
func (_m *MockModel) FeatureColumns() []string {
	ret := _m.Called()

	if len(ret) == 0 {
		panic("no return value specified for FeatureColumns")
	}

	var r0 []string
	if rf, ok := ret.Get(0).(func() []string); ok {
		r0 = rf()
	} else {
		if ret.Get(0) != nil {
			r0 = ret.Get(0).([]string)
		}
	}

	return r0
}

// NewMockModel creates a new instance of MockModel.
func NewMockModel(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockModel {
	mock := &MockModel{}
	mock.Test(t)

	t.Cleanup(func() { mock.AssertExpectations(t) })

	return mock
}
