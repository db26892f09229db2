/*
Package types 提供全局共享的结构化错误定义。

# 概述

types 是最底层的公共包，不依赖任何内部包。pipeline、hitl、callback
与 api/handlers 通过同一套错误码交换失败原因，handlers 再据此映射
HTTP 状态码。

# 核心类型

  - ErrorCode：错误码枚举（请求类、运行管线类、审批与回调类）
  - Error：结构化错误，含 HTTPStatus、Retryable、Stage 与 Cause

# 主要能力

  - 构造与修饰：NewError + WithCause / WithHTTPStatus / WithRetryable / WithStage
  - 判定：IsRetryable、GetErrorCode，以及 errors.Is 按错误码匹配

With* 方法修改接收者，包级哨兵错误需先复制再修饰。
*/
package types
