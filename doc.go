/* Copyright 2018 Comcast Cable Communications Management, LLC
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 * http://www.apache.org/licenses/LICENSE-2.0
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 */

// Package coflow provides a flow-driven runtime for event-based
// conversational agents.
//
// Flow definitions live in package 'ast', their lowering to primitive
// instructions in 'expand', and the scheduler that interprets many
// concurrently active flows in 'machine'.  A small command-line shell
// is in cmd/coshell.
package coflow
