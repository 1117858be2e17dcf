// SPDX-License-Identifier: Apache-2.0
// Copyright (c) 2025 Scott Friedman and Project Contributors
package targetapi

import "github.com/ashgrove/vaultkeep/pkg/diffcodec"

func encodeDelta(d diffcodec.Delta) ([]byte, error) { return diffcodec.EncodeDelta(d) }

func decodeDelta(data []byte) (diffcodec.Delta, error) { return diffcodec.DecodeDelta(data) }
