// Copyright 2025 Retailbridge Authors
// SPDX-License-Identifier: Apache-2.0

package httpapi

import (
	"context"
)

type contextKey string

const operatorKey contextKey = "operator"

func withOperator(ctx context.Context, operator string) context.Context {
	return context.WithValue(ctx, operatorKey, operator)
}

// OperatorFrom retrieves the authenticated operator from the context.
func OperatorFrom(ctx context.Context) (string, bool) {
	operator, ok := ctx.Value(operatorKey).(string)
	return operator, ok
}
