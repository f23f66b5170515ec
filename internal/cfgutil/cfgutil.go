/*
 * Copyright (C) 2020-2022, IrineSistiana
 *
 * This file is part of mosqout.
 *
 * mosqout is free software: you can redistribute it and/or modify
 * it under the terms of the GNU General Public License as published by
 * the Free Software Foundation, either version 3 of the License, or
 * (at your option) any later version.
 *
 * mosqout is distributed in the hope that it will be useful,
 * but WITHOUT ANY WARRANTY; without even the implied warranty of
 * MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
 * GNU General Public License for more details.
 *
 * You should have received a copy of the GNU General Public License
 * along with this program.  If not, see <https://www.gnu.org/licenses/>.
 */

// Package cfgutil holds small generic helpers for filling in zero-valued
// config fields and decoding config maps, used by outbound.Config.
package cfgutil

import (
	"golang.org/x/exp/constraints"

	"github.com/mitchellh/mapstructure"
)

// SetDefaultNum sets *p to d if *p is the zero value.
func SetDefaultNum[K constraints.Integer | constraints.Float](p *K, d K) {
	if *p == 0 {
		*p = d
	}
}

// Clamp returns v bounded to [min, max].
func Clamp[K constraints.Ordered](v, min, max K) K {
	if v < min {
		return min
	}
	if v > max {
		return max
	}
	return v
}

// DecodeMap decodes a loosely-typed config map (as produced by a YAML/JSON
// unmarshal into map[string]interface{}) into a typed struct.
func DecodeMap(in map[string]interface{}, out interface{}) error {
	dc := &mapstructure.DecoderConfig{
		ErrorUnused:      true,
		Result:           out,
		WeaklyTypedInput: true,
		TagName:          "mapstructure",
	}
	decoder, err := mapstructure.NewDecoder(dc)
	if err != nil {
		return err
	}
	return decoder.Decode(in)
}
